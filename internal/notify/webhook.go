package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/registry"
)

// Webhook posts lifecycle events as JSON to an external notification
// collaborator. Responses are drained and dropped; a non-2xx is an error
// only so the fanout can log it.
type Webhook struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhook(endpoint string) *Webhook {
	return &Webhook{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *Webhook) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	b, err := json.Marshal(ev)
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
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Offer is the payload fanned out to each nearby available worker when a
// request is created.
type Offer struct {
	WorkerID   string                `json:"worker_id"`
	DistanceKm float64               `json:"distance_km"`
	Event      models.LifecycleEvent `json:"event"`
}

// OfferSink is notified of per-worker offers. Webhook-backed in production,
// faked in tests.
type OfferSink interface {
	Offer(ctx context.Context, o Offer) error
}

// WebhookOffers posts offers to the same collaborator endpoint.
func (w *Webhook) Offer(ctx context.Context, o Offer) error {
	b, err := json.Marshal(o)
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
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// WorkerFanout offers freshly created requests to available workers within
// radius, mirroring how dispatch announcements reach worker apps. Failures
// on individual offers are counted, not propagated.
type WorkerFanout struct {
	Registry registry.WorkerRegistry
	Sink     OfferSink
	RadiusKm float64
}

func (f *WorkerFanout) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	if ev.To != models.StatusPending || ev.From != "" {
		return nil
	}
	workers, err := f.Registry.NearbyAvailable(ctx, ev.Location, f.RadiusKm)
	if err != nil {
		return err
	}
	var failed int
	for _, w := range workers {
		d := 0.0
		if w.Location != nil {
			d = geo.DistanceKm(ev.Location, *w.Location)
		}
		if err := f.Sink.Offer(ctx, Offer{WorkerID: w.ID, DistanceKm: d, Event: ev}); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d offers failed", failed, len(workers))
	}
	return nil
}
