package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"
)

// CallNotification is the payload handed to the push-notification dispatch
// when the callee is not reachable over the live channels.
type CallNotification struct {
	Type              string `json:"type"`
	InvitationID      string `json:"invitation_id"`
	CallerID          string `json:"caller_id"`
	CallerDisplayName string `json:"caller_display_name"`
}

// Notifier delivers best-effort out-of-band notifications. Delivery failure
// must never fail the operation that triggered it.
type Notifier interface {
	Dispatch(ctx context.Context, n CallNotification) error
}

// WebhookNotifier posts notifications to the configured dispatch endpoint.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{Endpoint: viper.GetString("dispatch.webhook")}
}

func (w *WebhookNotifier) Dispatch(ctx context.Context, n CallNotification) error {
	if w.Endpoint == "" {
		return nil
	}

	payload, _ := jsoniter.Marshal(n)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("dispatch endpoint answered %d", res.StatusCode)
	}
	return nil
}
