// Package credits reports consumed and refunded visibility units to the
// external credit ledger.
package credits

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/resilience"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Visibility-Signature"

// Ledger receives compensation for work that will not be performed.
type Ledger interface {
	Refund(ctx context.Context, batchID string, units []model.VisibilityUnit) error
}

// New returns the webhook ledger when a URL is configured, else a no-op.
func New(cfg config.CreditsConfig) Ledger {
	if cfg.WebhookURL == "" {
		return Noop{}
	}
	return NewWebhook(cfg)
}

// Noop discards refunds.
type Noop struct{}

// Refund implements Ledger.
func (Noop) Refund(_ context.Context, batchID string, units []model.VisibilityUnit) error {
	zap.L().Debug("credits: refund skipped, no ledger configured",
		zap.String("batch_id", batchID),
		zap.Int("units", len(units)),
	)
	return nil
}

// RefundUnit is one refunded unit.
type RefundUnit struct {
	UnitID     string         `json:"unit_id"`
	BrandID    string         `json:"brand_id"`
	Provider   model.Provider `json:"provider"`
	QuestionID string         `json:"question_id"`
	Runs       int            `json:"runs"`
}

// RefundEvent is the webhook payload.
type RefundEvent struct {
	Type      string       `json:"type"`
	BatchID   string       `json:"batch_id"`
	Units     []RefundUnit `json:"units"`
	Timestamp time.Time    `json:"timestamp"`
}

// Webhook posts refunds to an HTTP endpoint, signed with the shared secret.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewWebhook creates a Webhook ledger.
func NewWebhook(cfg config.CreditsConfig) *Webhook {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("credits", "refund")
	return &Webhook{
		url:    cfg.WebhookURL,
		secret: []byte(cfg.Secret),
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
		now:    time.Now,
	}
}

// Refund implements Ledger. Transient failures are retried.
func (w *Webhook) Refund(ctx context.Context, batchID string, units []model.VisibilityUnit) error {
	if len(units) == 0 {
		return nil
	}
	ev := RefundEvent{
		Type:      "visibility.refund",
		BatchID:   batchID,
		Units:     make([]RefundUnit, 0, len(units)),
		Timestamp: w.now().UTC(),
	}
	for _, u := range units {
		ev.Units = append(ev.Units, RefundUnit{
			UnitID:     u.ID,
			BrandID:    u.Brand.ID,
			Provider:   u.Provider,
			QuestionID: u.QuestionID,
			Runs:       u.Runs,
		})
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "credits: marshal refund")
	}

	err = resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, payload)
	})
	if err != nil {
		return eris.Wrapf(err, "credits: refund batch %s", batchID)
	}
	zap.L().Info("credits: refund sent", zap.String("batch_id", batchID), zap.Int("units", len(units)))
	return nil
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "credits: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "credits: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("credits: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
