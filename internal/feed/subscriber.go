package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Source opens the realtime ride stream.
type Source interface {
	Subscribe(ctx context.Context) (Stream, error)
}

// Stream yields change events in arrival order. The stream is at-least-once
// and may drop events while disconnected.
type Stream interface {
	Next(ctx context.Context) (models.StreamEvent, error)
	Close() error
}

// Fetcher reads authoritative state used to close gaps left by the stream.
type Fetcher interface {
	ListSearching(ctx context.Context, filter Eligibility) ([]models.RideCandidate, error)
	ActiveRideFor(ctx context.Context, driverID string) (*models.RideCandidate, error)
	DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error)
}

// Reconciliation is the result of one catch-up fetch.
type Reconciliation struct {
	FetchedAt  time.Time
	Searching  []models.RideCandidate
	Own        *models.RideCandidate
	OwnChecked bool
	Profile    *models.DriverProfile
}

// Sink consumes stream events; the lifecycle machine implements it.
type Sink interface {
	OnRideInsert(ctx context.Context, r models.RideCandidate)
	OnRideUpdate(ctx context.Context, r models.RideCandidate)
	OnDriverUpdate(ctx context.Context, p models.DriverProfile)
	Reconcile(ctx context.Context, rec Reconciliation)
}

type Subscriber struct {
	Source     Source
	Fetcher    Fetcher
	Sink       Sink
	Filter     Eligibility
	DriverID   string
	Logger     *slog.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Run subscribes, reconciles, and forwards events until ctx is done. On
// stream failure it backs off and re-subscribes, reconciling again.
func (s *Subscriber) Run(ctx context.Context) error {
	minBackoff, maxBackoff := s.MinBackoff, s.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}
		stream, err := s.Source.Subscribe(ctx)
		if err != nil {
			s.logger().Warn("ride stream subscribe failed", "error", err, "backoff", backoff.String())
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = grow(backoff, maxBackoff)
			continue
		}
		observability.StreamSubscriptions.Inc()
		s.Reconcile(ctx)

		consumed, err := s.consume(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return nil
		}
		if consumed {
			backoff = minBackoff
		}
		s.logger().Warn("ride stream dropped", "error", err, "backoff", backoff.String())
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = grow(backoff, maxBackoff)
	}
}

func (s *Subscriber) consume(ctx context.Context, stream Stream) (bool, error) {
	consumed := false
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return consumed, err
		}
		consumed = true
		s.Dispatch(ctx, ev)
	}
}

// Dispatch routes one event to the sink, dropping events outside the
// driver's filter.
func (s *Subscriber) Dispatch(ctx context.Context, ev models.StreamEvent) {
	observability.StreamEventsTotal.WithLabelValues(ev.Table, string(ev.Type)).Inc()
	switch ev.Table {
	case models.TableRides:
		if ev.Ride == nil {
			return
		}
		r := *ev.Ride
		if !s.Filter.Matches(r) && r.DriverID != s.DriverID {
			return
		}
		switch ev.Type {
		case models.EventInsert:
			s.Sink.OnRideInsert(ctx, r)
		case models.EventUpdate:
			s.Sink.OnRideUpdate(ctx, r)
		}
	case models.TableDrivers:
		if ev.Driver == nil || ev.Driver.DriverID != s.DriverID {
			return
		}
		s.Sink.OnDriverUpdate(ctx, *ev.Driver)
	}
}

// Reconcile fetches current truth and hands it to the sink. Partial
// failures are logged; whatever was fetched is still applied.
func (s *Subscriber) Reconcile(ctx context.Context) {
	rec := Reconciliation{FetchedAt: time.Now()}
	var errs []error

	if p, err := s.Fetcher.DriverProfile(ctx, s.DriverID); err != nil {
		errs = append(errs, err)
	} else {
		rec.Profile = &p
	}
	if own, err := s.Fetcher.ActiveRideFor(ctx, s.DriverID); err != nil {
		errs = append(errs, err)
	} else {
		rec.Own = own
		rec.OwnChecked = true
	}
	if list, err := s.Fetcher.ListSearching(ctx, s.Filter); err != nil {
		errs = append(errs, err)
	} else {
		rec.Searching = list
	}

	if err := errors.Join(errs...); err != nil {
		s.logger().Warn("reconcile fetch incomplete", "driver_id", s.DriverID, "error", err)
	}
	s.Sink.Reconcile(ctx, rec)
}

func (s *Subscriber) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func grow(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}
