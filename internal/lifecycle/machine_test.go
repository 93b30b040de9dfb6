package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/gating"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

type fakeBackend struct {
	mu          sync.Mutex
	rows        int64
	acceptErr   error
	acceptHook  func()
	statusErr   error
	onlineErr   error
	settleHook  func()
	settlement  models.Settlement
	settleErr   error
	cancelRes   models.CancelResult
	acceptCalls int
	settleCalls int
	cancelCalls int
	statuses    []models.RideStatus
	online      []bool
	ratings     []int
}

func (b *fakeBackend) TryAccept(ctx context.Context, rideID, driverID string) (int64, error) {
	b.mu.Lock()
	b.acceptCalls++
	hook := b.acceptHook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows, b.acceptErr
}

func (b *fakeBackend) SetStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
	return b.statusErr
}

func (b *fakeBackend) Settle(ctx context.Context, rideID, driverID string, lat, lon float64, isAuto bool) (models.Settlement, error) {
	b.mu.Lock()
	b.settleCalls++
	hook := b.settleHook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settlement, b.settleErr
}

func (b *fakeBackend) Cancel(ctx context.Context, rideID, driverID string) (models.CancelResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return b.cancelRes, nil
}

func (b *fakeBackend) SetDriverOnline(ctx context.Context, driverID string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = append(b.online, online)
	return b.onlineErr
}

func (b *fakeBackend) RateCustomer(ctx context.Context, rideID, driverID string, stars int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ratings = append(b.ratings, stars)
	return nil
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

type recObserver struct {
	mu      sync.Mutex
	notices []models.Notice
	last    models.Snapshot
}

func (o *recObserver) SessionChanged(s models.Snapshot) {
	o.mu.Lock()
	o.last = s
	o.mu.Unlock()
}

func (o *recObserver) Notice(n models.Notice) {
	o.mu.Lock()
	o.notices = append(o.notices, n)
	o.mu.Unlock()
}

func (o *recObserver) has(kind models.NoticeKind) (models.Notice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range o.notices {
		if n.Kind == kind {
			return n, true
		}
	}
	return models.Notice{}, false
}

type recNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recNotifier) NotifyCounterpart(ctx context.Context, rideID, title, body string) error {
	n.mu.Lock()
	n.titles = append(n.titles, title)
	n.mu.Unlock()
	return nil
}

func (n *recNotifier) sent(title string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.titles {
		if t == title {
			return true
		}
	}
	return false
}

type fakePayments struct{ collected []string }

func (p *fakePayments) Collect(ctx context.Context, r models.ActiveRide) error {
	p.collected = append(p.collected, r.ID)
	return nil
}

type fakePosition struct {
	mu  sync.Mutex
	pos models.Position
	ok  bool
}

func (p *fakePosition) Current() (models.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, p.ok
}

func (p *fakePosition) move(c models.Coord) {
	p.mu.Lock()
	p.pos = models.Position{Coord: c, At: time.Now()}
	p.ok = true
	p.mu.Unlock()
}

type harness struct {
	m        *Machine
	backend  *fakeBackend
	obs      *recObserver
	notifier *recNotifier
	payments *fakePayments
	pos      *fakePosition
	gate     *gating.Availability
	feed     *feed.Feed
	resyncs  chan struct{}
}

var (
	base    = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pickup  = models.Coord{Lat: 30.0444, Lon: 31.2357}
	dropoff = models.Coord{Lat: 30.0626, Lon: 31.2497}
)

func newHarness(t *testing.T, cfg Config, profile models.DriverProfile, opts ...func(*Deps)) *harness {
	t.Helper()
	gate := gating.New(0)
	gate.Seed(profile)
	h := &harness{
		backend: &fakeBackend{
			rows:       1,
			settlement: models.Settlement{Success: true, FinalPrice: 42},
			cancelRes:  models.CancelResult{Success: true},
		},
		obs:      &recObserver{},
		notifier: &recNotifier{},
		payments: &fakePayments{},
		pos:      &fakePosition{},
		gate:     gate,
		feed:     feed.New(feed.Eligibility{VehicleClass: "sedan"}, gate, 0.1),
		resyncs:  make(chan struct{}, 16),
	}
	cfg.DriverID = "d1"
	deps := Deps{
		Feed:     h.feed,
		Gate:     gate,
		Backend:  h.backend,
		Notifier: h.notifier,
		Payments: h.payments,
		Position: h.pos,
		Observer: h.obs,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.m = New(cfg, deps)
	h.m.SetResync(func() { h.resyncs <- struct{}{} })
	return h
}

func onlineProfile() models.DriverProfile {
	return models.DriverProfile{DriverID: "d1", VehicleClass: "sedan", Online: true, DebtCeiling: 3000}
}

func ride(id string, createdSec int) models.RideCandidate {
	return models.RideCandidate{
		ID:            id,
		Kind:          models.KindPassenger,
		VehicleClass:  "sedan",
		Price:         50,
		Pickup:        pickup,
		Dropoff:       dropoff,
		Status:        models.StatusSearching,
		CustomerID:    "c-" + id,
		PaymentMethod: models.PaymentCash,
		CreatedAt:     base.Add(time.Duration(createdSec) * time.Second),
	}
}

func (h *harness) phase() models.Phase {
	s := h.m.Snapshot()
	if s.Active == nil {
		return models.PhaseIdle
	}
	return s.Active.Phase
}

func (h *harness) activeID() string {
	s := h.m.Snapshot()
	if s.Active == nil {
		return ""
	}
	return s.Active.ID
}

func (h *harness) toNavigating(t *testing.T, r models.RideCandidate) {
	t.Helper()
	ctx := context.Background()
	h.m.OnRideInsert(ctx, r)
	if err := h.m.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.m.Arrived(ctx); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if err := h.m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.phase() != models.PhaseNavigating {
		t.Fatalf("expected navigating, got %s", h.phase())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRingAndDecline(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	r := ride("r1", 1)

	h.m.OnRideInsert(ctx, r)
	s := h.m.Snapshot()
	if s.QueueLength != 1 || s.Active == nil || s.Active.Phase != models.PhaseRinging || s.Active.Countdown != 20 {
		t.Fatalf("unexpected snapshot after insert: %+v", s)
	}

	if err := h.m.Decline(ctx); err != nil {
		t.Fatalf("decline: %v", err)
	}
	s = h.m.Snapshot()
	if s.QueueLength != 0 || s.Active != nil {
		t.Fatalf("expected idle and empty queue, got %+v", s)
	}
	if !h.feed.IsRejected("r1") {
		t.Fatal("declined ride should be rejected")
	}

	h.m.OnRideInsert(ctx, r)
	if h.phase() != models.PhaseIdle {
		t.Fatal("declined ride must not ring again")
	}
}

func TestOldestCandidateRingsFirst(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()

	h.m.Reconcile(ctx, feed.Reconciliation{Searching: []models.RideCandidate{ride("b", 2), ride("a", 1), ride("c", 3)}})
	for _, want := range []string{"a", "b", "c"} {
		if got := h.activeID(); got != want {
			t.Fatalf("expected %s ringing, got %q", want, got)
		}
		if err := h.m.Decline(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle, got %s", h.phase())
	}
}

func TestCountdownExpiryDeclines(t *testing.T) {
	h := newHarness(t, Config{RingSeconds: 2}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	h.m.OnRideInsert(ctx, ride("r2", 2))

	h.m.Tick()
	if s := h.m.Snapshot(); s.Active == nil || s.Active.Countdown != 1 {
		t.Fatalf("expected countdown 1, got %+v", s.Active)
	}
	h.m.Tick()
	if !h.feed.IsRejected("r1") {
		t.Fatal("expired offer should be rejected")
	}
	s := h.m.Snapshot()
	if s.Active == nil || s.Active.ID != "r2" || s.Active.Countdown != 2 {
		t.Fatalf("expected r2 ringing with a fresh countdown, got %+v", s.Active)
	}
}

func TestAcceptClearsQueueWithoutRejecting(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("c1", 1))
	h.m.OnRideInsert(ctx, ride("c2", 2))

	if err := h.m.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	s := h.m.Snapshot()
	if s.Active.Phase != models.PhaseAccepted || s.Active.ID != "c1" || s.Active.DriverID != "d1" {
		t.Fatalf("unexpected active ride: %+v", s.Active)
	}
	if s.QueueLength != 0 {
		t.Fatalf("expected empty queue, got %d", s.QueueLength)
	}
	if h.feed.IsRejected("c2") {
		t.Fatal("c2 was never declined and must not be rejected")
	}

	if err := h.m.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.m.Reconcile(ctx, feed.Reconciliation{Searching: []models.RideCandidate{ride("c2", 2)}})
	if h.activeID() != "c2" {
		t.Fatalf("expected c2 to resurface, got %q", h.activeID())
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))

	for i := 0; i < 3; i++ {
		if err := h.m.Accept(ctx); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}
	if h.backend.acceptCalls != 1 {
		t.Fatalf("expected one guarded update, got %d", h.backend.acceptCalls)
	}
}

func TestAcceptRaceLost(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.backend.rows = 0
	h.m.OnRideInsert(ctx, ride("r1", 1))
	h.m.OnRideInsert(ctx, ride("r2", 2))

	err := h.m.Accept(ctx)
	if !errors.Is(err, ErrRaceLost) {
		t.Fatalf("expected ErrRaceLost, got %v", err)
	}
	if _, ok := h.obs.has(models.NoticeUnavailable); !ok {
		t.Fatal("expected ride unavailable notice")
	}
	s := h.m.Snapshot()
	if s.Active == nil || s.Active.ID != "r2" || s.Active.Phase != models.PhaseRinging {
		t.Fatalf("expected r2 promoted, got %+v", s.Active)
	}
	if h.feed.Contains("r1") {
		t.Fatal("lost ride should be evicted")
	}
}

func TestAcceptTransportErrorKeepsRinging(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.backend.acceptErr = errors.New("connection reset")
	h.m.OnRideInsert(ctx, ride("r1", 1))

	if err := h.m.Accept(ctx); err == nil {
		t.Fatal("expected error")
	}
	s := h.m.Snapshot()
	if s.Active.Phase != models.PhaseRinging || s.Active.Pending != "" {
		t.Fatalf("expected ringing with nothing pending, got %+v", s.Active)
	}
}

func TestDebtGating(t *testing.T) {
	p := onlineProfile()
	p.CommissionDebt = 2995
	h := newHarness(t, Config{}, p)
	ctx := context.Background()

	expensive := ride("big", 1)
	expensive.Price = 100
	h.m.OnRideInsert(ctx, expensive)
	if h.phase() != models.PhaseIdle {
		t.Fatal("ride exceeding the debt ceiling must not ring")
	}

	cheap := ride("small", 2)
	cheap.Price = 40
	h.m.OnRideInsert(ctx, cheap)
	if h.activeID() != "small" {
		t.Fatalf("expected small ride to ring, got %q", h.activeID())
	}
}

func TestLockedDriverGetsNoWork(t *testing.T) {
	p := onlineProfile()
	p.CommissionDebt = 3001
	h := newHarness(t, Config{}, p)
	ctx := context.Background()

	h.m.OnRideInsert(ctx, ride("r1", 1))
	if h.phase() != models.PhaseIdle || h.m.Snapshot().QueueLength != 0 {
		t.Fatal("locked driver must not receive candidates")
	}
	if err := h.m.Accept(ctx); !errors.Is(err, ErrGatingViolation) {
		t.Fatalf("expected ErrGatingViolation, got %v", err)
	}
}

func TestLockPushDropsOfferAndUnlockResyncs(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))

	locked := onlineProfile()
	locked.CommissionDebt = 5000
	h.m.OnDriverUpdate(ctx, locked)
	s := h.m.Snapshot()
	if s.Active != nil || !s.Locked {
		t.Fatalf("expected locked and idle, got %+v", s)
	}
	if _, ok := h.obs.has(models.NoticeLocked); !ok {
		t.Fatal("expected locked notice")
	}

	h.m.OnDriverUpdate(ctx, onlineProfile())
	select {
	case <-h.resyncs:
	case <-time.After(time.Second):
		t.Fatal("expected resync after unlock")
	}
}

func TestAcceptedRideSurvivesLock(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	locked := onlineProfile()
	locked.Suspended = true
	h.m.OnDriverUpdate(ctx, locked)
	if h.phase() != models.PhaseAccepted {
		t.Fatalf("accepted ride should be kept, got %s", h.phase())
	}
}

func TestForeignDriverWhileRinging(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	h.m.OnRideInsert(ctx, ride("r2", 2))

	taken := ride("r1", 1)
	taken.Status = models.StatusAccepted
	taken.DriverID = "d2"
	h.m.OnRideUpdate(ctx, taken)

	s := h.m.Snapshot()
	if s.Active != nil || s.QueueLength != 0 {
		t.Fatalf("expected idle with empty queue, got %+v", s)
	}
	n, ok := h.obs.has(models.NoticeTaken)
	if !ok || !strings.Contains(n.Message, "already taken by another driver") {
		t.Fatalf("expected taken notice, got %+v", n)
	}
}

func TestOwnAcceptEchoIsIgnored(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))

	echo := ride("r1", 1)
	echo.Status = models.StatusAccepted
	echo.DriverID = "d1"
	h.m.OnRideUpdate(ctx, echo)
	if h.phase() != models.PhaseRinging {
		t.Fatalf("expected ringing, got %s", h.phase())
	}
}

func TestOverridesAfterAccept(t *testing.T) {
	cases := []struct {
		name   string
		status models.RideStatus
		driver string
		notice models.NoticeKind
	}{
		{"cancelled", models.StatusCancelled, "d1", models.NoticeCancelled},
		{"reassigned", models.StatusAccepted, "d2", models.NoticeReassigned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{}, onlineProfile())
			ctx := context.Background()
			h.m.OnRideInsert(ctx, ride("r1", 1))
			if err := h.m.Accept(ctx); err != nil {
				t.Fatal(err)
			}
			u := ride("r1", 1)
			u.Status = tc.status
			u.DriverID = tc.driver
			h.m.OnRideUpdate(ctx, u)
			if h.phase() != models.PhaseIdle {
				t.Fatalf("expected idle, got %s", h.phase())
			}
			if _, ok := h.obs.has(tc.notice); !ok {
				t.Fatalf("expected %s notice", tc.notice)
			}
		})
	}
}

func TestPushDuringAcceptDiscardsResult(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.set(func(b *fakeBackend) {
		b.acceptHook = func() { close(entered); <-release }
	})
	h.m.OnRideInsert(ctx, ride("r1", 1))

	done := make(chan error, 1)
	go func() { done <- h.m.Accept(ctx) }()
	<-entered

	taken := ride("r1", 1)
	taken.Status = models.StatusAccepted
	taken.DriverID = "d2"
	h.m.OnRideUpdate(ctx, taken)
	h.backend.set(func(b *fakeBackend) { b.rows = 0 })
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle, got %s", h.phase())
	}
}

func TestLateAcceptAfterTimeoutRequestsResync(t *testing.T) {
	h := newHarness(t, Config{RingSeconds: 1}, onlineProfile())
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.set(func(b *fakeBackend) {
		b.acceptHook = func() { close(entered); <-release }
	})
	h.m.OnRideInsert(ctx, ride("r1", 1))

	done := make(chan error, 1)
	go func() { done <- h.m.Accept(ctx) }()
	<-entered
	h.m.Tick()
	if h.phase() != models.PhaseIdle {
		t.Fatal("expected offer to expire while accept is in flight")
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	select {
	case <-h.resyncs:
	case <-time.After(time.Second):
		t.Fatal("expected resync after late accept")
	}
}

func TestArrivedAdvancesDespiteSyncFailure(t *testing.T) {
	h := newHarness(t, Config{SyncAttempts: 2, SyncDelay: time.Millisecond}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	h.backend.set(func(b *fakeBackend) { b.statusErr = errors.New("timeout") })

	if err := h.m.Arrived(ctx); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if h.phase() != models.PhaseArrived {
		t.Fatalf("expected arrived, got %s", h.phase())
	}
	waitFor(t, "sync failed notice", func() bool {
		_, ok := h.obs.has(models.NoticeSyncFailed)
		return ok
	})
	waitFor(t, "Driver arrived message", func() bool { return h.notifier.sent("Driver arrived") })
}

func TestStartWaitsForBackend(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Arrived(ctx); err != nil {
		t.Fatal(err)
	}
	h.backend.set(func(b *fakeBackend) { b.statusErr = errors.New("500") })
	if err := h.m.Start(ctx); err == nil {
		t.Fatal("expected start to fail")
	}
	s := h.m.Snapshot()
	if s.Active.Phase != models.PhaseArrived || s.Active.DestinationRevealed {
		t.Fatalf("expected arrived with hidden destination, got %+v", s.Active)
	}

	h.backend.set(func(b *fakeBackend) { b.statusErr = nil })
	if err := h.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if s := h.m.Snapshot(); !s.Active.DestinationRevealed {
		t.Fatal("destination should be revealed once navigating")
	}
}

func TestInvalidPhaseIntents(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	if err := h.m.Arrived(ctx); !errors.Is(err, ErrNoActiveRide) {
		t.Fatalf("expected ErrNoActiveRide, got %v", err)
	}
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Start(ctx); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}
	if err := h.m.Complete(ctx); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}
}

func TestAutoCompleteFiresOnce(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))

	h.pos.move(pickup)
	h.m.OnLocation(ctx, models.Position{Coord: pickup})
	if h.backend.settleCalls != 0 {
		t.Fatal("must not settle away from dropoff")
	}

	h.pos.move(dropoff)
	for i := 0; i < 3; i++ {
		h.m.OnLocation(ctx, models.Position{Coord: dropoff})
	}
	if h.backend.settleCalls != 1 {
		t.Fatalf("expected exactly one settlement, got %d", h.backend.settleCalls)
	}
	s := h.m.Snapshot()
	if s.Active.Phase != models.PhaseCompleted || s.Active.FinalPrice != 42 || s.Active.EndPosition == nil {
		t.Fatalf("unexpected completed ride: %+v", s.Active)
	}
	waitFor(t, "Trip completed message", func() bool { return h.notifier.sent("Trip completed") })
}

func TestAutoCompleteSkipsDeliveries(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	d := ride("del1", 1)
	d.Kind = models.KindDelivery
	d.VehicleClass = "bike"
	h.toNavigating(t, d)

	h.pos.move(dropoff)
	h.m.OnLocation(ctx, models.Position{Coord: dropoff})
	if h.backend.settleCalls != 0 {
		t.Fatal("deliveries complete manually")
	}
}

func TestZeroPriceSettlementClosesAsCancellation(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.backend.settlement = models.Settlement{Success: true, FinalPrice: 0}
	h.toNavigating(t, ride("r1", 1))

	if err := h.m.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle, got %s", h.phase())
	}
	if _, ok := h.obs.has(models.NoticeAnomaly); !ok {
		t.Fatal("expected anomaly notice")
	}
	waitFor(t, "Ride cancelled message", func() bool { return h.notifier.sent("Ride cancelled") })
	if len(h.payments.collected) != 0 {
		t.Fatal("no payment for a zero-price ride")
	}
}

func TestSettlementRejected(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.backend.settlement = models.Settlement{Success: false, Error: "ride not in progress"}
	h.toNavigating(t, ride("r1", 1))

	if err := h.m.Complete(ctx); !errors.Is(err, ErrRaceLost) {
		t.Fatalf("expected ErrRaceLost, got %v", err)
	}
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle, got %s", h.phase())
	}
}

func TestPaymentThenRating(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))
	if err := h.m.Complete(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.m.Rate(ctx, 5); !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	if err := h.m.ConfirmPayment(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.ConfirmPayment(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.payments.collected) != 1 {
		t.Fatalf("expected one collection, got %d", len(h.payments.collected))
	}
	if err := h.m.Rate(ctx, 6); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
	if err := h.m.Rate(ctx, 4); err != nil {
		t.Fatal(err)
	}
	if h.phase() != models.PhaseIdle || len(h.backend.ratings) != 1 {
		t.Fatalf("expected idle after rating, phase=%s ratings=%v", h.phase(), h.backend.ratings)
	}
}

func TestSkipRating(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))
	if err := h.m.Complete(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.ConfirmPayment(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SkipRating(ctx); err != nil {
		t.Fatal(err)
	}
	if h.phase() != models.PhaseIdle || len(h.backend.ratings) != 0 {
		t.Fatal("skip should return to idle without rating")
	}
}

func TestCancelAccepted(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	h.backend.set(func(b *fakeBackend) { b.cancelRes = models.CancelResult{Success: false, Error: "too late"} })
	if err := h.m.Cancel(ctx); !errors.Is(err, ErrCancelRejected) {
		t.Fatalf("expected ErrCancelRejected, got %v", err)
	}
	if h.phase() != models.PhaseAccepted {
		t.Fatalf("rejected cancel must keep the phase, got %s", h.phase())
	}

	h.backend.set(func(b *fakeBackend) { b.cancelRes = models.CancelResult{Success: true} })
	if err := h.m.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle, got %s", h.phase())
	}
	waitFor(t, "Driver cancelled message", func() bool { return h.notifier.sent("Driver cancelled") })
}

func TestCancelAfterDistanceSettles(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))
	h.pos.move(dropoff)

	if err := h.m.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if h.backend.settleCalls != 1 || h.backend.cancelCalls != 0 {
		t.Fatalf("expected settlement, settle=%d cancel=%d", h.backend.settleCalls, h.backend.cancelCalls)
	}
	if h.phase() != models.PhaseCompleted {
		t.Fatalf("expected completed, got %s", h.phase())
	}
}

func TestCancelNearPickupCancels(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))
	h.pos.move(pickup)

	if err := h.m.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if h.backend.cancelCalls != 1 || h.backend.settleCalls != 0 {
		t.Fatalf("expected cancellation, settle=%d cancel=%d", h.backend.settleCalls, h.backend.cancelCalls)
	}
}

func TestToggleOfflineWindsDownAcceptedRide(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	h.m.OnRideInsert(ctx, ride("r2", 2))
	if err := h.m.Decline(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	online, err := h.m.ToggleOnline(ctx)
	if err != nil || online {
		t.Fatalf("expected offline, got online=%v err=%v", online, err)
	}
	if h.backend.cancelCalls != 1 {
		t.Fatal("accepted ride should be cancelled when going offline")
	}
	s := h.m.Snapshot()
	if s.Online || s.Active != nil {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if h.feed.IsRejected("r1") {
		t.Fatal("rejected set should reset when going offline")
	}

	online, err = h.m.ToggleOnline(ctx)
	if err != nil || !online {
		t.Fatalf("expected online, got online=%v err=%v", online, err)
	}
	if got := h.backend.online; len(got) != 2 || got[0] || !got[1] {
		t.Fatalf("unexpected online writes: %v", got)
	}
}

func TestReconcileRestoresInFlightRide(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	own := ride("r9", 1)
	own.Status = models.StatusInProgress
	own.DriverID = "d1"

	h.m.Reconcile(ctx, feed.Reconciliation{
		FetchedAt:  time.Now(),
		Searching:  []models.RideCandidate{ride("r1", 2)},
		Own:        &own,
		OwnChecked: true,
	})
	s := h.m.Snapshot()
	if s.Active == nil || s.Active.ID != "r9" || s.Active.Phase != models.PhaseNavigating || !s.Active.DestinationRevealed {
		t.Fatalf("expected restored navigating ride, got %+v", s.Active)
	}
}

func TestReconcileAdvancesToServerPhase(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	own := ride("r1", 1)
	own.Status = models.StatusArrived
	own.DriverID = "d1"
	h.m.Reconcile(ctx, feed.Reconciliation{FetchedAt: time.Now().Add(time.Minute), Own: &own, OwnChecked: true})
	if h.phase() != models.PhaseArrived {
		t.Fatalf("expected arrived, got %s", h.phase())
	}
}

func TestReconcileStaleRide(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	// a fetch that started before the accept was confirmed proves nothing
	h.m.Reconcile(ctx, feed.Reconciliation{FetchedAt: time.Now().Add(-time.Minute), OwnChecked: true})
	if h.phase() != models.PhaseAccepted {
		t.Fatalf("expected accepted, got %s", h.phase())
	}

	h.m.Reconcile(ctx, feed.Reconciliation{FetchedAt: time.Now().Add(time.Minute), OwnChecked: true})
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle, got %s", h.phase())
	}
	if _, ok := h.obs.has(models.NoticeStale); !ok {
		t.Fatal("expected stale notice")
	}
}

// flakyBackend wraps a real store with transport failures: status writes
// that fail before reaching it and settlements whose response is lost after
// the store applied them.
type flakyBackend struct {
	Backend
	mu          sync.Mutex
	failStatus  int
	loseSettle  int
	statusCalls []models.RideStatus
}

func (b *flakyBackend) SetStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	b.mu.Lock()
	b.statusCalls = append(b.statusCalls, status)
	fail := b.failStatus > 0
	if fail {
		b.failStatus--
	}
	b.mu.Unlock()
	if fail {
		return errors.New("gateway timeout")
	}
	return b.Backend.SetStatus(ctx, rideID, status)
}

func (b *flakyBackend) Settle(ctx context.Context, rideID, driverID string, lat, lon float64, isAuto bool) (models.Settlement, error) {
	res, err := b.Backend.Settle(ctx, rideID, driverID, lat, lon, isAuto)
	b.mu.Lock()
	lose := err == nil && b.loseSettle > 0
	if lose {
		b.loseSettle--
	}
	b.mu.Unlock()
	if lose {
		return models.Settlement{}, errors.New("connection reset by peer")
	}
	return res, err
}

func (b *flakyBackend) statusWrites() []models.RideStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.RideStatus(nil), b.statusCalls...)
}

func storeHarness(t *testing.T, cfg Config, r models.RideCandidate) (*harness, *storage.MemoryStore, *flakyBackend) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.UpsertDriver(onlineProfile())
	store.CreateRide(r)
	flaky := &flakyBackend{Backend: store}
	h := newHarness(t, cfg, onlineProfile(), func(d *Deps) { d.Backend = flaky })
	return h, store, flaky
}

func TestRetriedCompleteAfterLostResponse(t *testing.T) {
	h, store, flaky := storeHarness(t, Config{}, ride("r1", 1))
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))
	flaky.loseSettle = 1
	h.pos.move(dropoff)

	if err := h.m.Complete(ctx); err == nil {
		t.Fatal("expected the lost response to surface as an error")
	}
	if h.phase() != models.PhaseNavigating {
		t.Fatalf("expected navigating after a transport error, got %s", h.phase())
	}

	if err := h.m.Complete(ctx); err != nil {
		t.Fatalf("retried complete: %v", err)
	}
	s := h.m.Snapshot()
	if s.Active == nil || s.Active.Phase != models.PhaseCompleted || s.Active.FinalPrice != 50 {
		t.Fatalf("expected completed at the original fare, got %+v", s.Active)
	}
	if _, ok := h.obs.has(models.NoticeUnavailable); ok {
		t.Fatal("a retried settlement must not be reported as closed by someone else")
	}
	if d, _ := store.DriverProfile(ctx, "d1"); d.CommissionDebt != 5 {
		t.Fatalf("commission should be charged once, debt=%v", d.CommissionDebt)
	}
}

func TestArrivalRetryDoesNotUndoStart(t *testing.T) {
	h, store, flaky := storeHarness(t, Config{SyncAttempts: 2, SyncDelay: 50 * time.Millisecond}, ride("r1", 1))
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	flaky.failStatus = 1

	if err := h.m.Arrived(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if r, _ := store.Ride("r1"); r.Status != models.StatusInProgress {
		t.Fatalf("expected in_progress on the server, got %s", r.Status)
	}
	if got := flaky.statusWrites(); len(got) != 2 || got[1] != models.StatusInProgress {
		t.Fatalf("arrival should not be re-sent once the trip started, writes=%v", got)
	}
	if _, ok := h.obs.has(models.NoticeSyncFailed); ok {
		t.Fatal("no sync failure once the trip started")
	}
}

func TestOwnSettlementEchoBeforeResponse(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))
	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.set(func(b *fakeBackend) {
		b.settlement = models.Settlement{Success: true, FinalPrice: 0}
		b.settleHook = func() { close(entered); <-release }
	})

	done := make(chan error, 1)
	go func() { done <- h.m.Complete(ctx) }()
	<-entered

	echo := ride("r1", 1)
	echo.Status = models.StatusCancelled
	echo.DriverID = "d1"
	h.m.OnRideUpdate(ctx, echo)
	if h.phase() != models.PhaseNavigating {
		t.Fatalf("echo must wait for the settle response, got %s", h.phase())
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("complete: %v", err)
	}
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle, got %s", h.phase())
	}
	if _, ok := h.obs.has(models.NoticeCancelled); ok {
		t.Fatal("our own settlement is not a customer cancellation")
	}
	if _, ok := h.obs.has(models.NoticeAnomaly); !ok {
		t.Fatal("expected anomaly notice")
	}
	waitFor(t, "Ride cancelled message", func() bool { return h.notifier.sent("Ride cancelled") })
}

func TestCustomerCancelDuringSettleStillApplies(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.toNavigating(t, ride("r1", 1))
	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.set(func(b *fakeBackend) {
		b.settleHook = func() { close(entered); <-release }
	})

	done := make(chan error, 1)
	go func() { done <- h.m.Complete(ctx) }()
	<-entered

	// the customer cancelled; the driver was cleared, so this is no echo
	u := ride("r1", 1)
	u.Status = models.StatusCancelled
	u.DriverID = ""
	h.m.OnRideUpdate(ctx, u)
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if _, ok := h.obs.has(models.NoticeCancelled); !ok {
		t.Fatal("expected cancelled notice")
	}
}

type gatedNotifier struct {
	recNotifier
	release chan struct{}
}

func (n *gatedNotifier) NotifyCounterpart(ctx context.Context, rideID, title, body string) error {
	<-n.release
	return n.recNotifier.NotifyCounterpart(ctx, rideID, title, body)
}

func (o *recObserver) lastPhase() models.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last.Active == nil {
		return models.PhaseIdle
	}
	return o.last.Active.Phase
}

func TestSlowNotifierDoesNotDelaySnapshots(t *testing.T) {
	slow := &gatedNotifier{release: make(chan struct{})}
	h := newHarness(t, Config{}, onlineProfile(), func(d *Deps) { d.Notifier = slow })
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	if err := h.m.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		if err := h.m.Arrived(ctx); err != nil {
			done <- err
			return
		}
		done <- h.m.Start(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("intents blocked on the customer notifier")
	}
	if got := h.obs.lastPhase(); got != models.PhaseNavigating {
		t.Fatalf("observer should hold the newest snapshot, got %s", got)
	}

	close(slow.release)
	waitFor(t, "Driver arrived message", func() bool { return slow.sent("Driver arrived") })
}

func TestOfflineFailureKeepsRingingOffer(t *testing.T) {
	h := newHarness(t, Config{}, onlineProfile())
	ctx := context.Background()
	h.m.OnRideInsert(ctx, ride("r1", 1))
	h.backend.set(func(b *fakeBackend) { b.onlineErr = errors.New("503") })

	online, err := h.m.ToggleOnline(ctx)
	if err == nil || !online {
		t.Fatalf("expected failure while staying online, got online=%v err=%v", online, err)
	}
	s := h.m.Snapshot()
	if !s.Online || s.Active == nil || s.Active.ID != "r1" || s.Active.Phase != models.PhaseRinging {
		t.Fatalf("offer should survive a failed offline toggle, got %+v", s)
	}
	select {
	case <-h.resyncs:
	case <-time.After(time.Second):
		t.Fatal("expected resync after failed offline toggle")
	}

	h.backend.set(func(b *fakeBackend) { b.onlineErr = nil })
	if online, err := h.m.ToggleOnline(ctx); err != nil || online {
		t.Fatalf("expected offline, got online=%v err=%v", online, err)
	}
	if h.phase() != models.PhaseIdle {
		t.Fatalf("expected idle once offline, got %s", h.phase())
	}
}

func TestReconcileRestoresAssignedRideWhileLocked(t *testing.T) {
	p := onlineProfile()
	p.CommissionDebt = 3001
	h := newHarness(t, Config{}, p)
	ctx := context.Background()
	own := ride("r9", 1)
	own.Status = models.StatusArrived
	own.DriverID = "d1"

	h.m.Reconcile(ctx, feed.Reconciliation{
		FetchedAt:  time.Now(),
		Searching:  []models.RideCandidate{ride("r1", 2)},
		Own:        &own,
		OwnChecked: true,
	})
	s := h.m.Snapshot()
	if !s.Locked {
		t.Fatal("expected locked")
	}
	if s.Active == nil || s.Active.ID != "r9" || s.Active.Phase != models.PhaseArrived {
		t.Fatalf("assigned ride should be restored while locked, got %+v", s.Active)
	}
	if s.QueueLength != 0 {
		t.Fatalf("locked driver must not queue new work, got %d", s.QueueLength)
	}
}
