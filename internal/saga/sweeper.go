package saga

import (
	"context"
	"time"

	"github.com/example/ec-stock-saga/internal/domain/inventory"
	"github.com/example/ec-stock-saga/internal/event"
	"go.uber.org/zap"
)

const defaultSweepBatch = 500

// Sweeper releases lapsed reservations on a timer, independent of message traffic.
// SweepOnce is not safe for concurrent use; Run calls it from one goroutine.
type Sweeper struct {
	stock     *inventory.Service
	publisher Publisher
	interval  time.Duration
	batch     int
	now       func() time.Time
	logger    *zap.Logger

	// unsent holds expiry records whose publish failed; their holds are already released
	// and no later scan finds them again.
	unsent []event.Record
}

func NewSweeper(stock *inventory.Service, publisher Publisher, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		stock:     stock,
		publisher: publisher,
		interval:  interval,
		batch:     defaultSweepBatch,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("reservation-sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return nil
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce first republishes expiry records a previous sweep could not send, then
// expires every due reservation, one batch at a time, and publishes the expiry events.
// It returns how many reservations expired in this sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if err := s.flush(ctx); err != nil {
		return 0, err
	}
	total := 0
	for {
		records, err := s.stock.ExpireDue(ctx, s.now(), s.batch)
		if len(records) > 0 {
			total += len(records)
			if perr := s.publish(ctx, records); perr != nil {
				return total, perr
			}
		}
		if err != nil {
			return total, err
		}
		if len(records) < s.batch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("reservations expired", zap.Int("count", total))
	}
	return total, nil
}

func (s *Sweeper) publish(ctx context.Context, records []event.Record) error {
	if err := s.publisher.Publish(ctx, records...); err != nil {
		s.unsent = append(s.unsent, records...)
		s.logger.Warn("expiry publish failed, holding for next sweep",
			zap.Int("held", len(s.unsent)),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *Sweeper) flush(ctx context.Context) error {
	if len(s.unsent) == 0 {
		return nil
	}
	held := s.unsent
	s.unsent = nil
	if err := s.publish(ctx, held); err != nil {
		return err
	}
	s.logger.Info("held expiry records published", zap.Int("count", len(held)))
	return nil
}
