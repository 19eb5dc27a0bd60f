package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// HTTPPush posts messages to a push provider for users without a live
// session. The body follows the FCM HTTP v1 shape with the user id as topic.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushBody struct {
	Message pushMessage `json:"message"`
}

type pushMessage struct {
	Topic string            `json:"topic"`
	Data  map[string]string `json:"data"`
}

func (p *HTTPPush) PushToUser(ctx context.Context, userID string, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	body := pushBody{Message: pushMessage{
		Topic: "user-" + userID,
		Data:  map[string]string{"type": string(m.Type()), "payload": string(payload)},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}

// Fanout tries the live session first and falls back to push.
type Fanout struct {
	WS     *WSRegistry
	Push   Gateway
	Logger *slog.Logger
}

func (f *Fanout) PushToUser(ctx context.Context, userID string, m Message) error {
	err := ErrNoSession
	if f.WS != nil {
		err = f.WS.PushToUser(ctx, userID, m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) && f.Logger != nil {
			f.Logger.Warn("ws send failed, falling back to push", "user_id", userID, "type", m.Type(), "error", err)
		}
	}
	if f.Push != nil {
		err = f.Push.PushToUser(ctx, userID, m)
	}
	if err != nil {
		observability.NotificationsFailed.WithLabelValues(string(m.Type())).Inc()
		return fmt.Errorf("notify %s: %w", userID, err)
	}
	return nil
}
