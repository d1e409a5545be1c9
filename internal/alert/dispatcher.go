package alert

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/model"
)

// Dispatcher fans out monitoring events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	log     *zap.Logger
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, logger *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]AlertConfig, len(configs))
	for i, c := range configs {
		if len(c.Events) == 0 {
			c.Events = DefaultEvents
		}
		out[i] = c
	}
	return &Dispatcher{configs: out, log: logger.Named("alert")}
}

// Publish sends ev to every webhook whose Events list includes its type.
// It blocks until all sends finish; the engine calls it from a dedicated
// sink goroutine.
func (d *Dispatcher) Publish(ctx context.Context, ev model.MonitoringEvent) error {
	event := FromEvent(ev)
	var errs []error
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		if err := Send(ctx, cfg, event); err != nil {
			d.log.Warn("webhook delivery failed",
				zap.String("url", cfg.URL),
				zap.String("event_id", event.EventID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Type || e == "*" {
			return true
		}
	}
	return false
}
