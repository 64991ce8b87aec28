// Package anthropic is a narrow wrapper over the Anthropic SDK covering the
// single-turn, cached-system-prompt calls the completion service makes.
package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// DefaultCacheTTL is the prompt-cache lifetime used when none is given.
const DefaultCacheTTL = "5m"

// Client defines the Anthropic API operations used by the completion service.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is one prompt. System blocks precede the conversation.
type MessageRequest struct {
	Model         string
	MaxTokens     int64
	System        []SystemBlock
	Messages      []Message
	Temperature   *float64
	StopSequences []string
}

// SystemBlock is a system prompt block. A non-nil CacheControl marks a
// cache breakpoint after it.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl configures an ephemeral cache breakpoint.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// CachedSystem returns text as a single cached system block. Detector and
// extractor prompts repeat across every trial of a batch.
func CachedSystem(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = DefaultCacheTTL
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}

// Message is one conversational turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse is the model's reply.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// Text concatenates the text blocks of the response.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ContentBlock is one block of a reply.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage is the billed token counts of one call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

type apiClient struct {
	messages sdk.MessageService
}

// NewClient creates a Client backed by the SDK. Extra request options
// (base URL, retries) are passed through.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	c := sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &apiClient{messages: c.Messages}
}

func (c *apiClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	msg, err := c.messages.New(ctx, req.params())
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return newResponse(msg), nil
}

func (req MessageRequest) params() sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:         sdk.Model(req.Model),
		MaxTokens:     req.MaxTokens,
		StopSequences: req.StopSequences,
	}
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			p.Messages = append(p.Messages, sdk.NewAssistantMessage(block))
		} else {
			p.Messages = append(p.Messages, sdk.NewUserMessage(block))
		}
	}
	for _, s := range req.System {
		tb := sdk.TextBlockParam{Text: s.Text}
		if s.CacheControl != nil {
			tb.CacheControl = sdk.NewCacheControlEphemeralParam()
			if s.CacheControl.TTL != "" {
				tb.CacheControl.TTL = sdk.CacheControlEphemeralTTL(s.CacheControl.TTL)
			}
		}
		p.System = append(p.System, tb)
	}
	if req.Temperature != nil {
		p.Temperature = sdk.Float(*req.Temperature)
	}
	return p
}

func newResponse(msg *sdk.Message) *MessageResponse {
	out := &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		out.Content = append(out.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return out
}
