package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/agentspend/internal/metrics"
)

// Fanout records handoffs in a queue and announces them on a hub. The
// queue write decides success; the broadcast is best effort.
type Fanout struct {
	queue  Queue
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewFanout combines a queue with an optional hub.
func NewFanout(queue Queue, hub *Hub, logger *slog.Logger) *Fanout {
	return &Fanout{queue: queue, hub: hub, logger: logger, now: time.Now}
}

func (f *Fanout) Submit(ctx context.Context, h *Handoff) error {
	if err := f.queue.Submit(ctx, h); err != nil {
		metrics.ReviewHandoffsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReviewHandoffsTotal.WithLabelValues(h.Outcome).Inc()
	f.logger.Info("request handed to review",
		"request_id", h.RequestID, "handoff_id", h.ID, "outcome", h.Outcome, "risk_score", h.RiskScore)
	f.announce(EventHandoff, h)
	return nil
}

func (f *Fanout) Get(ctx context.Context, id string) (*Handoff, error) {
	return f.queue.Get(ctx, id)
}

func (f *Fanout) Pending(ctx context.Context, limit int) ([]*Handoff, error) {
	return f.queue.Pending(ctx, limit)
}

func (f *Fanout) Resolve(ctx context.Context, id string, approve bool, reviewer, note string) (*Handoff, error) {
	h, err := f.queue.Resolve(ctx, id, approve, reviewer, note)
	if err != nil {
		return nil, err
	}
	f.logger.Info("handoff resolved", "handoff_id", id, "status", h.Status, "reviewer", reviewer)
	f.announce(EventResolved, h)
	return h, nil
}

func (f *Fanout) announce(t EventType, h *Handoff) {
	if f.hub == nil {
		return
	}
	cp := *h
	f.hub.Broadcast(&Event{Type: t, Timestamp: f.now().UTC(), Handoff: &cp})
}

var _ Queue = (*Fanout)(nil)
