package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Secretary-Signature"

// webhookBody is the JSON posted to the endpoint. The "text" field makes it
// usable as a Slack or Discord incoming webhook as is.
type webhookBody struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Text      string         `json:"text"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// Webhook posts run events to a URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// NewWebhook returns a Webhook posting to url, signing bodies with secret
// when it is non-empty.
func NewWebhook(url, secret string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("webhook"),
	}
}

// New returns a Webhook for url, or Nop when url is empty.
func New(url, secret string, logger *zap.Logger) Notifier {
	if url == "" {
		return Nop{}
	}
	return NewWebhook(url, secret, logger)
}

func (w *Webhook) NotifyRun(ctx context.Context, e RunEvent) error {
	data, err := json.Marshal(webhookBody{
		Type:      e.Type(),
		Title:     title(e),
		Text:      text(e),
		Payload:   payload(e),
		Timestamp: e.Ended.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "backup-secretary")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(data, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	w.logger.Debug("run event delivered", zap.String("type", e.Type()), zap.String("setup", e.SetupKey))
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of data under secret.
func Sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func title(e RunEvent) string {
	if e.Succeeded {
		return fmt.Sprintf("Backup %q succeeded", e.SetupKey)
	}
	return fmt.Sprintf("Backup %q failed", e.SetupKey)
}

func text(e RunEvent) string {
	took := e.Ended.Sub(e.Started).Round(time.Second)
	if !e.Succeeded {
		return fmt.Sprintf("Backup %q failed after %s: %s", e.SetupKey, took, e.Error)
	}
	return fmt.Sprintf("Backup %q stored %d chunks (%s) from %d files in %s",
		e.SetupKey, e.ChunksStored, humanize.IBytes(uint64(e.BytesStored)), e.FilesSeen, took)
}

func payload(e RunEvent) map[string]any {
	p := map[string]any{
		"run_id":        e.RunID.String(),
		"setup":         e.SetupKey,
		"started_at":    e.Started.UTC().Format(time.RFC3339),
		"ended_at":      e.Ended.UTC().Format(time.RFC3339),
		"files_seen":    e.FilesSeen,
		"chunks_stored": e.ChunksStored,
		"bytes_stored":  e.BytesStored,
		"warnings":      e.Warnings,
		"errors":        e.Errors,
	}
	if e.Error != "" {
		p["error"] = e.Error
	}
	return p
}
