// SPDX-License-Identifier: MIT

package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"reelscribe/internal/apperr"
	"reelscribe/internal/log"
)

// MessagingConfig points at the subscriber messaging platform.
type MessagingConfig struct {
	BaseURL        string
	APIKey         string
	ScriptURLField string // custom field holding the public script link
	ImageURLField  string // custom field holding the script card image
	SendDirect     bool   // also DM the link, not just field updates
	Timeout        time.Duration
}

// Messaging drives the chat platform: custom field updates trigger the
// platform-side automation that shows the result to the subscriber.
type Messaging struct {
	cfg    MessagingConfig
	hc     *http.Client
	logger zerolog.Logger
}

func NewMessaging(cfg MessagingConfig) *Messaging {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ScriptURLField == "" {
		cfg.ScriptURLField = "script_url"
	}
	if cfg.ImageURLField == "" {
		cfg.ImageURLField = "script_image_url"
	}
	return &Messaging{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		logger: log.WithComponent("messaging"),
	}
}

// SetField writes one custom field on the subscriber.
func (m *Messaging) SetField(ctx context.Context, subscriberID, field, value string) error {
	payload := map[string]string{
		"subscriber_id": subscriberID,
		"field_name":    field,
		"field_value":   value,
	}
	return m.post(ctx, "/fb/subscriber/setCustomFieldByName", payload)
}

// DeliverScript publishes the result to the subscriber's custom fields. The
// link field is written first: the platform automation fires on the image
// field, and firing before the link lands would show a card with a dead
// button.
func (m *Messaging) DeliverScript(ctx context.Context, subscriberID, scriptURL, imageURL string) error {
	if err := m.SetField(ctx, subscriberID, m.cfg.ScriptURLField, scriptURL); err != nil {
		return err
	}
	if imageURL != "" {
		if err := m.SetField(ctx, subscriberID, m.cfg.ImageURLField, imageURL); err != nil {
			return err
		}
	}
	if m.cfg.SendDirect {
		if err := m.SendText(ctx, subscriberID, "Your script is ready: "+scriptURL); err != nil {
			m.logger.Warn().Err(err).Msg("direct message after field delivery failed")
		}
	}
	return nil
}

// SendText sends a direct message outside the field-driven automation.
func (m *Messaging) SendText(ctx context.Context, subscriberID, text string) error {
	payload := map[string]any{
		"subscriber_id": subscriberID,
		"data": map[string]any{
			"version": "v2",
			"content": map[string]any{
				"messages": []map[string]string{{"type": "text", "text": text}},
			},
		},
	}
	return m.post(ctx, "/fb/sending/sendContent", payload)
}

func (m *Messaging) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)

	resp, err := m.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Timeout("messaging call timed out")
		}
		return apperr.Upstream("messaging", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyHTTPStatus("messaging", resp); err != nil {
		return err
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Status != "" && out.Status != "success" {
		return apperr.Upstream("messaging", fmt.Errorf("platform status %q", out.Status))
	}
	return nil
}
