package browser

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/visibility-engine/internal/model"
)

//go:embed selectors.yaml
var selectorsYAML []byte

// EngineSelectors locates the parts of one engine's chat UI.
type EngineSelectors struct {
	URL                string   `yaml:"url"`
	PromptInput        []string `yaml:"prompt_input"`
	SubmitButton       []string `yaml:"submit_button"`
	ResponseContainer  string   `yaml:"response_container"`
	ResponseText       string   `yaml:"response_text"`
	StreamingIndicator string   `yaml:"streaming_indicator"`
	StopButton         string   `yaml:"stop_button"`
	SourcesSection     string   `yaml:"sources_section"`
	CitationLink       string   `yaml:"citation_link"`
	ErrorMessage       string   `yaml:"error_message"`
	RateLimit          string   `yaml:"rate_limit"`
	LoginWall          string   `yaml:"login_wall"`
}

// Streaming returns the selector list whose presence means the answer is
// still being generated.
func (s EngineSelectors) Streaming() string {
	parts := make([]string, 0, 2)
	for _, sel := range []string{s.StreamingIndicator, s.StopButton} {
		if strings.TrimSpace(sel) != "" {
			parts = append(parts, sel)
		}
	}
	return strings.Join(parts, ", ")
}

// ChallengeSelectors detect and poke anti-bot interstitials.
type ChallengeSelectors struct {
	Markers  string   `yaml:"markers"`
	Checkbox string   `yaml:"checkbox"`
	Titles   []string `yaml:"titles"`
}

// Catalog holds every engine's selectors.
type Catalog struct {
	Challenge ChallengeSelectors                `yaml:"challenge"`
	Engines   map[model.Provider]EngineSelectors `yaml:"engines"`
}

// For returns the selectors for p.
func (c *Catalog) For(p model.Provider) (EngineSelectors, bool) {
	s, ok := c.Engines[p]
	return s, ok
}

// LoadCatalog parses the embedded selector catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(selectorsYAML)
}

// ParseCatalog parses a selector catalog and checks every engine can be
// driven.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "browser: parse selectors")
	}
	for p, s := range c.Engines {
		if !p.Valid() {
			return nil, eris.Errorf("browser: selectors for unknown provider %q", p)
		}
		if s.URL == "" || len(s.PromptInput) == 0 || s.ResponseContainer == "" {
			return nil, eris.Errorf("browser: selectors for %s need url, prompt_input and response_container", p)
		}
	}
	return &c, nil
}
