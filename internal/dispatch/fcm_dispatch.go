package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-queue/internal/models"
)

// FCMNotifier tells the passenger about driver-initiated progress through
// an FCM HTTP v1 style endpoint.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Name() string { return "fcm" }

// Handle posts one data message per status change; everything else is a no-op.
func (f *FCMNotifier) Handle(ctx context.Context, before, after models.Booking) error {
	if before.Status == after.Status || after.PassengerID == "" {
		return nil
	}
	body := map[string]any{
		"message": map[string]any{
			"topic": "passenger-" + after.PassengerID,
			"data": map[string]string{
				"booking_id": after.ID,
				"status":     string(after.Status),
				"driver_id":  after.DriverID,
			},
		},
	}
	b, err := json.Marshal(body)
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
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm: unexpected status %d", resp.StatusCode)
	}
	return nil
}
