package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts each event as JSON to a downstream endpoint, e.g. a
// push-notification gateway.
type WebhookNotifier struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint, token string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookNotifier) Publish(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
