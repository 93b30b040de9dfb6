// Package dispatch delivers messages out of the dispatch core: push
// notifications to the ride's customer and live session updates to the
// driver's shell over WebSocket.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PushNotifier posts FCM HTTP v1 style messages. Customer devices subscribe
// to the ride's topic, so the notifier needs no device tokens.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message struct {
		Topic        string            `json:"topic"`
		Notification map[string]string `json:"notification"`
		Data         map[string]string `json:"data"`
	} `json:"message"`
}

// RideTopic is the push topic a ride's customer listens on.
func RideTopic(rideID string) string { return "ride_" + rideID }

func (f *PushNotifier) NotifyCounterpart(ctx context.Context, rideID, title, body string) error {
	var msg pushMessage
	msg.Message.Topic = RideTopic(rideID)
	msg.Message.Notification = map[string]string{"title": title, "body": body}
	msg.Message.Data = map[string]string{"ride_id": rideID}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push ride %s: %w", rideID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push ride %s: status %d", rideID, resp.StatusCode)
	}
	return nil
}
