// Package lifecycle owns the driver's single active ride and drives it
// through idle → ringing → accepted → arrived → navigating → completed.
//
// All state lives behind one mutex. Backend calls run with the mutex
// released; when they return, the result is applied only if the ride is
// still the one the call was made for (same id and epoch). Anything else is
// discarded, so a late answer can never resurrect a ride that server pushes
// already resolved.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/gating"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Backend is the ride mutation service.
type Backend interface {
	// TryAccept assigns the driver only while the ride is still searching
	// and returns the number of rows it changed.
	TryAccept(ctx context.Context, rideID, driverID string) (int64, error)
	// SetStatus only moves a ride forward; a write that would regress it
	// fails.
	SetStatus(ctx context.Context, rideID string, status models.RideStatus) error
	// Settle prices and closes the trip. Repeating it for an already settled
	// ride returns the stored price.
	Settle(ctx context.Context, rideID, driverID string, lat, lon float64, isAuto bool) (models.Settlement, error)
	Cancel(ctx context.Context, rideID, driverID string) (models.CancelResult, error)
	SetDriverOnline(ctx context.Context, driverID string, online bool) error
	RateCustomer(ctx context.Context, rideID, driverID string, stars int) error
}

// Notifier delivers best-effort messages to the customer of a ride.
type Notifier interface {
	NotifyCounterpart(ctx context.Context, rideID, title, body string) error
}

// Payments confirms that the final price of a completed ride was collected.
type Payments interface {
	Collect(ctx context.Context, ride models.ActiveRide) error
}

// PositionReader is the device's current position. The machine reads it
// but never owns it.
type PositionReader interface {
	Current() (models.Position, bool)
}

// Observer receives read-only snapshots and user-facing notices.
type Observer interface {
	SessionChanged(models.Snapshot)
	Notice(models.Notice)
}

type Config struct {
	DriverID       string
	RingSeconds    int
	AutoCompleteKm float64
	CancelSettleKm float64
	SyncAttempts   int
	SyncDelay      time.Duration
	NotifyTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingSeconds <= 0 {
		c.RingSeconds = 20
	}
	if c.AutoCompleteKm <= 0 {
		c.AutoCompleteKm = 0.05
	}
	if c.CancelSettleKm <= 0 {
		c.CancelSettleKm = 0.3
	}
	if c.SyncAttempts <= 0 {
		c.SyncAttempts = 3
	}
	if c.SyncDelay <= 0 {
		c.SyncDelay = 200 * time.Millisecond
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	return c
}

type Deps struct {
	Feed     *feed.Feed
	Gate     *gating.Availability
	Backend  Backend
	Notifier Notifier
	Payments Payments
	Position PositionReader
	Observer Observer
	Logger   *slog.Logger
}

type Machine struct {
	cfg      Config
	feed     *feed.Feed
	gate     *gating.Availability
	backend  Backend
	notifier Notifier
	payments Payments
	position PositionReader
	observer Observer
	logger   *slog.Logger
	resync   func()
	now      func() time.Time

	// pubMu orders deliveries so the observer's last snapshot is the newest
	pubMu sync.Mutex
	// pushes feeds the customer notification worker
	pushes chan message

	mu          sync.Mutex
	active      *models.ActiveRide
	epoch       uint64
	confirmedAt time.Time
	notices     []models.Notice
	outbound    []message
	wantResync  bool
}

type message struct {
	rideID, title, body string
}

func New(cfg Config, d Deps) *Machine {
	m := &Machine{
		cfg:      cfg.withDefaults(),
		feed:     d.Feed,
		gate:     d.Gate,
		backend:  d.Backend,
		notifier: d.Notifier,
		payments: d.Payments,
		position: d.Position,
		observer: d.Observer,
		logger:   d.Logger,
		now:      time.Now,
		pushes:   make(chan message, pushBuffer),
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.payments == nil {
		m.payments = nopPayments{}
	}
	if m.position == nil {
		m.position = noPosition{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("driver_id", m.cfg.DriverID)
	go m.pushLoop()
	return m
}

const pushBuffer = 64

// SetResync installs the hook used to request a catch-up fetch, typically
// feed.Subscriber.Reconcile bound to a long-lived context. It is always
// invoked on its own goroutine.
func (m *Machine) SetResync(fn func()) { m.resync = fn }

// Run drives the ringing countdown until ctx is done.
func (m *Machine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick()
		}
	}
}

// Tick advances the ringing countdown by one unit. At zero the offer is
// declined locally, whether or not an accept call is still in flight.
func (m *Machine) Tick() {
	m.mu.Lock()
	a := m.active
	if a == nil || a.Phase != models.PhaseRinging {
		m.mu.Unlock()
		return
	}
	a.Countdown--
	if a.Countdown <= 0 {
		m.logger.Info("offer expired", "ride_id", a.ID)
		m.declineLocked()
	}
	m.mu.Unlock()
	m.publish()
}

func (m *Machine) Snapshot() models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() models.Snapshot {
	st := m.gate.Snapshot()
	s := models.Snapshot{
		DriverID:       m.cfg.DriverID,
		Online:         st.Online,
		Locked:         st.Locked(),
		Suspended:      st.Suspended,
		CommissionDebt: st.CommissionDebt,
		DebtCeiling:    st.DebtCeiling,
		QueueLength:    m.feed.Len(),
		Queue:          m.feed.Items(),
	}
	if m.active != nil {
		a := *m.active
		if a.EndPosition != nil {
			end := *a.EndPosition
			a.EndPosition = &end
		}
		s.Active = &a
	}
	return s
}

// publish hands the observer queued notices and a fresh snapshot, then
// queues customer messages for the push worker. It must be called without
// m.mu held and never blocks on the notifier.
func (m *Machine) publish() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	notices := m.notices
	m.notices = nil
	out := m.outbound
	m.outbound = nil
	resync := m.wantResync
	m.wantResync = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	observability.QueueLength.Set(float64(snap.QueueLength))
	observability.BoolGauge(observability.DriverLocked, snap.Locked)
	observability.BoolGauge(observability.DriverOnline, snap.Online)

	if m.observer != nil {
		for _, n := range notices {
			m.observer.Notice(n)
		}
		m.observer.SessionChanged(snap)
	}
	for _, msg := range out {
		select {
		case m.pushes <- msg:
		default:
			m.logger.Warn("customer message dropped, push queue full", "ride_id", msg.rideID, "title", msg.title)
		}
	}
	if resync {
		m.requestResync()
	}
}

// pushLoop delivers customer messages one at a time, in the order the
// machine produced them.
func (m *Machine) pushLoop() {
	for msg := range m.pushes {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
		if err := m.notifier.NotifyCounterpart(ctx, msg.rideID, msg.title, msg.body); err != nil {
			m.logger.Warn("notify counterpart failed", "ride_id", msg.rideID, "title", msg.title, "error", err)
		}
		cancel()
	}
}

func (m *Machine) requestResync() {
	if m.resync != nil {
		go m.resync()
	}
}

// promoteLocked moves the oldest queued candidate into ringing when the
// slot is free and the driver may take work.
func (m *Machine) promoteLocked() {
	if m.active != nil {
		return
	}
	st := m.gate.Snapshot()
	if !st.Online || st.Locked() {
		return
	}
	c, ok := m.feed.Head()
	if !ok {
		return
	}
	m.active = &models.ActiveRide{
		RideCandidate: c,
		Phase:         models.PhaseIdle,
		Countdown:     m.cfg.RingSeconds,
	}
	m.transitionLocked(models.PhaseRinging)
	m.logger.Info("offer ringing", "ride_id", c.ID, "countdown", m.cfg.RingSeconds, "queue_length", m.feed.Len())
}

func (m *Machine) transitionLocked(to models.Phase) {
	a := m.active
	observability.PhaseTransitions.WithLabelValues(string(a.Phase), string(to)).Inc()
	a.Phase = to
	switch to {
	case models.PhaseAccepted, models.PhaseArrived, models.PhaseNavigating:
		m.confirmedAt = m.now()
	}
}

// clearLocked drops the active ride and the queue and bumps the epoch so
// in-flight results for the old ride are discarded.
func (m *Machine) clearLocked() {
	if m.active != nil {
		observability.PhaseTransitions.WithLabelValues(string(m.active.Phase), string(models.PhaseIdle)).Inc()
	}
	m.active = nil
	m.feed.Clear()
	m.epoch++
}

// declineLocked rejects the ringing candidate and rings the next one.
func (m *Machine) declineLocked() {
	a := m.active
	m.feed.Reject(a.ID)
	observability.PhaseTransitions.WithLabelValues(string(a.Phase), string(models.PhaseIdle)).Inc()
	m.active = nil
	m.epoch++
	m.promoteLocked()
}

func (m *Machine) forceIdleLocked(reason string, kind models.NoticeKind, msg string) {
	a := m.active
	observability.OverridesTotal.WithLabelValues(reason).Inc()
	m.logger.Warn("active ride forced idle", "ride_id", a.ID, "phase", a.Phase, "reason", reason)
	m.noticeLocked(kind, a.ID, msg)
	m.clearLocked()
	m.wantResync = true
}

func (m *Machine) noticeLocked(kind models.NoticeKind, rideID, msg string) {
	m.notices = append(m.notices, models.Notice{
		ID:      uuid.NewString(),
		Kind:    kind,
		RideID:  rideID,
		Message: msg,
		At:      m.now(),
	})
}

func (m *Machine) notifyLocked(rideID, title, body string) {
	m.outbound = append(m.outbound, message{rideID: rideID, title: title, body: body})
}

// currentLocked reports whether rideID is still the active ride of the
// given epoch.
func (m *Machine) currentLocked(rideID string, epoch uint64) bool {
	return m.active != nil && m.active.ID == rideID && m.epoch == epoch
}

// stillIn reports whether rideID is still current and in phase.
func (m *Machine) stillIn(rideID string, epoch uint64, phase models.Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(rideID, epoch) && m.active.Phase == phase
}

func observeBackend(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.BackendLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

type nopNotifier struct{}

func (nopNotifier) NotifyCounterpart(context.Context, string, string, string) error { return nil }

type nopPayments struct{}

func (nopPayments) Collect(context.Context, models.ActiveRide) error { return nil }

type noPosition struct{}

func (noPosition) Current() (models.Position, bool) { return models.Position{}, false }

// distanceLocked is the km from the current position to c.
func (m *Machine) distanceLocked(c models.Coord) (float64, bool) {
	p, ok := m.position.Current()
	if !ok {
		return 0, false
	}
	return geo.Distance(p.Coord, c), true
}
