package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/tenantflow/libs/db"
	"github.com/md-rashed-zaman/tenantflow/libs/events"
	"github.com/md-rashed-zaman/tenantflow/libs/metrics"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/alert"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/outbox"
	"go.opentelemetry.io/otel/attribute"
)

type Service struct {
	tx      db.TxRunner
	store   Store
	outbox  *outbox.Outbox
	catalog *events.Catalog
	alerter alert.Alerter
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(tx db.TxRunner, store Store, ob *outbox.Outbox, catalog *events.Catalog, alerter alert.Alerter, logger *slog.Logger) *Service {
	return &Service{tx: tx, store: store, outbox: ob, catalog: catalog, alerter: alerter, logger: logger, now: time.Now}
}

// ParkRecord moves a pending outbox record to dlq and records the entry. Only the
// caller that wins the pending->dlq transition parks; parked is false otherwise.
// SECURITY_BLOCK records also freeze their aggregate. Alerts are raised after
// commit, once per parked record.
func (s *Service) ParkRecord(ctx context.Context, rec outbox.Record, attempts int, reason string) (entry Entry, parked bool, err error) {
	entry = Entry{
		ID:             uuid.NewString(),
		OutboxID:       rec.OutboxID,
		IdempotencyKey: rec.IdempotencyKey,
		EventType:      rec.EventType,
		AggregateID:    rec.AggregateID,
		Tier:           rec.DLQTier,
		Payload:        rec.Payload,
		Reason:         reason,
		RetryCount:     attempts,
		FailedAt:       s.now().UTC(),
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		won, err := s.outbox.Store().MarkDLQ(ctx, rec.OutboxID, attempts, reason)
		if err != nil || !won {
			return err
		}
		if _, err := s.store.Insert(ctx, entry); err != nil {
			return fmt.Errorf("insert dlq entry: %w", err)
		}
		if rec.DLQTier == events.TierSecurityBlock {
			if _, err := s.store.Freeze(ctx, Freeze{
				AggregateID: rec.AggregateID,
				OutboxID:    rec.OutboxID,
				Reason:      reason,
				FrozenAt:    entry.FailedAt,
			}); err != nil {
				return fmt.Errorf("freeze aggregate: %w", err)
			}
		}
		parked = true
		return nil
	})
	if err != nil || !parked {
		return Entry{}, false, err
	}
	s.afterPark(ctx, entry)
	return entry, true, nil
}

// ParkDelivery records a subscriber failure seen on the consumer side of a lane,
// where there is no outbox row to transition.
func (s *Service) ParkDelivery(ctx context.Context, env events.Envelope, attempts int, reason string) (Entry, bool, error) {
	tier, err := s.catalog.TierOf(env.EventType)
	if err != nil {
		return Entry{}, false, err
	}
	payload, err := env.Marshal()
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{
		ID:             uuid.NewString(),
		IdempotencyKey: env.IdempotencyKey,
		EventType:      env.EventType,
		AggregateID:    env.SourceID,
		Tier:           tier,
		Payload:        payload,
		Reason:         reason,
		RetryCount:     attempts,
		FailedAt:       s.now().UTC(),
	}
	var inserted bool
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = s.store.Insert(ctx, entry)
		if err != nil || !inserted {
			return err
		}
		if tier == events.TierSecurityBlock {
			_, err = s.store.Freeze(ctx, Freeze{AggregateID: env.SourceID, Reason: reason, FrozenAt: entry.FailedAt})
		}
		return err
	})
	if err != nil || !inserted {
		return Entry{}, false, err
	}
	s.afterPark(ctx, entry)
	return entry, true, nil
}

func (s *Service) afterPark(ctx context.Context, e Entry) {
	metrics.Inc(ctx, metrics.RelayParked, attribute.String("tier", string(e.Tier)))
	s.logger.ErrorContext(ctx, "delivery parked in dlq",
		"dlq_id", e.ID,
		"outbox_id", e.OutboxID,
		"event_type", e.EventType,
		"aggregate_id", e.AggregateID,
		"tier", e.Tier,
		"retry_count", e.RetryCount,
		"reason", e.Reason,
	)

	lane, _ := s.catalog.Classify(e.EventType)
	if e.Tier != events.TierSecurityBlock && lane != events.LaneCritical {
		return
	}
	al := alert.Alert{
		Severity:    alert.SeverityCritical,
		Title:       "critical delivery parked",
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		OutboxID:    e.OutboxID,
		Reason:      e.Reason,
	}
	if e.Tier == events.TierSecurityBlock {
		al.Title = "security state frozen"
	}
	if env, err := e.Envelope(); err == nil {
		al.TraceID = env.TraceID
	}
	if err := s.alerter.Alert(ctx, al); err != nil {
		s.logger.ErrorContext(ctx, "alert failed", "dlq_id", e.ID, "err", err)
	}
}

// Replay resubmits the parked envelope, original idempotency key included, as a
// new outbox record and marks the entry replayed.
func (s *Service) Replay(ctx context.Context, entryID, operator string) (string, error) {
	entry, err := s.store.Get(ctx, entryID)
	if err != nil {
		return "", err
	}
	if entry.ReplayedAt != nil {
		return "", ErrAlreadyReplayed
	}
	if entry.Tier == events.TierSecurityBlock {
		frozen, err := s.store.IsFrozen(ctx, entry.AggregateID)
		if err != nil {
			return "", err
		}
		if frozen {
			return "", ErrAggregateFrozen
		}
	}
	env, err := entry.Envelope()
	if err != nil {
		return "", fmt.Errorf("dlq entry %s holds an undeliverable envelope: %w", entryID, err)
	}

	var outboxID string
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		id, err := s.outbox.Enqueue(ctx, env, entry.Tier)
		if err != nil {
			return err
		}
		won, err := s.store.MarkReplayed(ctx, entryID, operator, id, s.now().UTC())
		if err != nil {
			return err
		}
		if !won {
			return ErrAlreadyReplayed
		}
		outboxID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.Inc(ctx, metrics.DLQReplayed, attribute.String("tier", string(entry.Tier)))
	s.logger.InfoContext(ctx, "dlq entry replayed",
		"dlq_id", entryID,
		"operator", operator,
		"outbox_id", outboxID,
		"idempotency_key", entry.IdempotencyKey,
	)
	return outboxID, nil
}

func (s *Service) Unfreeze(ctx context.Context, aggregateID, operator string) error {
	ok, err := s.store.Unfreeze(ctx, aggregateID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFrozen
	}
	s.logger.WarnContext(ctx, "aggregate unfrozen", "aggregate_id", aggregateID, "operator", operator)
	return nil
}

func (s *Service) IsFrozen(ctx context.Context, aggregateID string) (bool, error) {
	return s.store.IsFrozen(ctx, aggregateID)
}

func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.List(ctx, f)
}

func (s *Service) Freezes(ctx context.Context) ([]Freeze, error) {
	return s.store.ListFreezes(ctx)
}
