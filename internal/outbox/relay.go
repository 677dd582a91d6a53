// internal/outbox/relay.go
package outbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/common/metrics"
	"crm-pipeline/internal/common/observability"
	"crm-pipeline/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// Sink is one delivery target for committed events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev models.OutboxEvent) error
}

// Relay drains the outbox to every sink. One Relay runs per process.
type Relay struct {
	store  BatchStore
	sinks  []Sink
	cfg    config.OutboxConfig
	obs    *observability.Observability
	logger logger.Logger
	nudge  chan struct{}
}

func NewRelay(store BatchStore, cfg config.OutboxConfig, log logger.Logger, obs *observability.Observability, sinks ...Sink) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10000
	}
	return &Relay{
		store:  store,
		sinks:  sinks,
		cfg:    cfg,
		obs:    obs,
		logger: log.WithFields(map[string]interface{}{"component": "outbox-relay"}),
		nudge:  make(chan struct{}, 1),
	}
}

// Nudge asks the relay to poll now. It never blocks; nudges that arrive
// while one is pending are merged.
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(config.GetDuration(r.cfg.PollInterval))
	defer ticker.Stop()

	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	r.logger.Info("outbox relay started", map[string]interface{}{
		"sinks":        names,
		"pollInterval": r.cfg.PollInterval,
		"batchSize":    r.cfg.BatchSize,
	})

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped", nil)
			return
		case <-ticker.C:
		case <-r.nudge:
		}
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox flush failed", map[string]interface{}{"error": err})
		}
	}
}

// Flush processes batches until a batch comes back short. It returns the
// number of events published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		bctx, span := r.obs.StartSpan(ctx, "outbox.batch")
		res, err := r.store.ProcessBatch(bctx, r.cfg.BatchSize, r.cfg.MaxAttempts, r.publish)
		span.SetAttributes(
			attribute.Int("outbox.claimed", res.Claimed),
			attribute.Int("outbox.published", res.Published),
		)
		span.End()
		if err != nil {
			return total, err
		}

		total += res.Published
		r.obs.RecordRelayBatch(ctx, res.Published)
		if res.Parked > 0 {
			metrics.OutboxParked.Add(float64(res.Parked))
		}
		if res.Claimed < r.cfg.BatchSize || res.Published == 0 {
			return total, nil
		}
	}
}

// publish sends ev to every sink that has not accepted it yet. Every sink is
// tried even after a failure so one broken sink does not starve the others.
// The returned list feeds the next attempt, which retries only the sinks
// that failed.
func (r *Relay) publish(ctx context.Context, ev models.OutboxEvent) ([]string, error) {
	delivered := append([]string{}, ev.DeliveredSinks...)
	var errs []error
	for _, s := range r.sinks {
		if ev.DeliveredTo(s.Name()) {
			continue
		}
		if err := r.publishOne(ctx, s, ev); err != nil {
			metrics.OutboxFailures.WithLabelValues(s.Name()).Inc()
			sendErr := errors.NewNotificationSendFailedError(s.Name(), err)
			// StandardError.Error omits the cause; keep it for last_error.
			errs = append(errs, fmt.Errorf("%w (%s)", sendErr, sendErr.Details))
			continue
		}
		metrics.OutboxPublished.WithLabelValues(s.Name()).Inc()
		delivered = append(delivered, s.Name())
	}
	if len(errs) == 0 {
		return delivered, nil
	}

	err := stderrors.Join(errs...)
	fields := map[string]interface{}{
		"eventId":     ev.ID,
		"aggregateId": ev.AggregateID,
		"eventType":   ev.EventType,
		"attempt":     ev.Attempts + 1,
		"delivered":   delivered,
		"error":       err,
	}
	if ev.Attempts+1 >= r.cfg.MaxAttempts {
		r.logger.Error("outbox event parked after final attempt", fields)
	} else {
		r.logger.Warn("outbox event delivery failed, will retry", fields)
	}
	return delivered, err
}

// publishOne bounds a single sink call. The batch transaction holds its row
// locks until every sink returns.
func (r *Relay) publishOne(ctx context.Context, s Sink, ev models.OutboxEvent) error {
	pctx, cancel := context.WithTimeout(ctx, config.GetDuration(r.cfg.PublishTimeout))
	defer cancel()
	return s.Publish(pctx, ev)
}
