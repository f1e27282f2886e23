package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/observability"
)

// Webhook posts terminal search transitions to an HTTP endpoint. Deliveries
// run in the background and failures are logged, never retried.
type Webhook struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time

	wg sync.WaitGroup
}

func NewWebhook(endpoint string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Webhook{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Timeout:  3 * time.Second,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (w *Webhook) SearchChanged(req models.SearchRequest) {
	if w.Endpoint == "" || !req.Status.Terminal() {
		return
	}
	n := NewNotification(req, w.Now())
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
		defer cancel()
		if err := w.Deliver(ctx, n); err != nil {
			observability.SideEffectErrors.WithLabelValues("webhook").Inc()
			w.Logger.Warn("webhook delivery failed", "request_id", n.RequestID, "status", n.Status, "error", err)
		}
	}()
}

func (w *Webhook) Deliver(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (w *Webhook) Wait() { w.wg.Wait() }
