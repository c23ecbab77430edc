package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"annotask/internal/config"
	"annotask/internal/domain"
	"annotask/internal/events"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher posts relayed events to one configured endpoint.
type WebhookPublisher struct {
	hook   config.Webhook
	client *http.Client
	types  map[string]struct{}
}

var _ events.Publisher = (*WebhookPublisher)(nil)

func NewWebhookPublisher(hook config.Webhook) *WebhookPublisher {
	types := make(map[string]struct{}, len(hook.Events))
	for _, evt := range hook.Events {
		if key := strings.TrimSpace(evt); key != "" {
			types[key] = struct{}{}
		}
	}
	return &WebhookPublisher{
		hook:   hook,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		types:  types,
	}
}

// WebhookPublishers builds a publisher for every enabled webhook.
func WebhookPublishers(hooks []config.Webhook) []events.Publisher {
	var out []events.Publisher
	for _, hook := range hooks {
		if !hook.Enabled || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, NewWebhookPublisher(hook))
	}
	return out
}

func (p *WebhookPublisher) Name() string { return "webhook:" + p.hook.URL }

type webhookEvent struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	ContributorID string          `json:"contributor_id,omitempty"`
	TS            time.Time       `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
	PayloadRaw    string          `json:"payload_raw,omitempty"`
}

// Publish posts evt unless the hook filters its type out.
func (p *WebhookPublisher) Publish(ctx context.Context, evt domain.Event) error {
	if len(p.types) > 0 {
		if _, ok := p.types[evt.Type]; !ok {
			return nil
		}
	}
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:            evt.ID,
		Type:          evt.Type,
		ContributorID: evt.ContributorID,
		TS:            evt.TS,
		Payload:       payload,
		PayloadRaw:    raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Annotask-Event", evt.Type)
	req.Header.Set("X-Annotask-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(p.hook.Secret) != "" {
		req.Header.Set("X-Annotask-Secret", p.hook.Secret)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
