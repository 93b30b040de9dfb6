package storage

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// CommissionRate is the share of the final price added to the driver's debt
// on settlement, matching complete_ride in the migrations.
const CommissionRate = 0.10

// minDrivenKm is how far from the pickup a trip must end to be billable.
const minDrivenKm = 0.05

// MemoryStore is an in-process ride mutation service with the same guarded
// semantics as PostgresStore. It also serves as a realtime stream source so
// a single process can run end to end without external services.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.RideCandidate
	drivers map[string]models.DriverProfile
	ratings map[string]int
	settled map[string]float64
	subs    map[*memStream]struct{}
}

var (
	_ feed.Fetcher = (*MemoryStore)(nil)
	_ feed.Source  = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.RideCandidate),
		drivers: make(map[string]models.DriverProfile),
		ratings: make(map[string]int),
		settled: make(map[string]float64),
		subs:    make(map[*memStream]struct{}),
	}
}

// CreateRide stores a new ride and emits an insert event.
func (m *MemoryStore) CreateRide(r models.RideCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status == "" {
		r.Status = models.StatusSearching
	}
	m.rides[r.ID] = &r
	m.emitLocked(models.StreamEvent{Table: models.TableRides, Type: models.EventInsert, Ride: cloneRide(&r)})
}

// UpdateRide overwrites a ride's status and driver as another actor would
// (customer cancel, a competing driver) and emits an update event.
func (m *MemoryStore) UpdateRide(rideID string, status models.RideStatus, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrRideNotFound
	}
	r.Status = status
	r.DriverID = driverID
	m.emitRideLocked(r)
	return nil
}

// UpsertDriver stores a driver row and emits an update event.
func (m *MemoryStore) UpsertDriver(p models.DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[p.DriverID] = p
	m.emitLocked(models.StreamEvent{Table: models.TableDrivers, Type: models.EventUpdate, Driver: &p})
}

func (m *MemoryStore) Ride(id string) (models.RideCandidate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideCandidate{}, false
	}
	return *cloneRide(r), true
}

func (m *MemoryStore) Rating(rideID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ratings[rideID]
	return s, ok
}

func (m *MemoryStore) TryAccept(ctx context.Context, rideID, driverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusSearching {
		return 0, nil
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	m.emitRideLocked(r)
	return 1, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrRideNotFound
	}
	if !slices.Contains(status.Predecessors(), r.Status) {
		return fmt.Errorf("%w: %s to %s", ErrStatusConflict, r.Status, status)
	}
	r.Status = status
	m.emitRideLocked(r)
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, rideID, driverID string, lat, lon float64, isAuto bool) (models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.Settlement{Error: "ride not found"}, nil
	}
	if fare, done := m.settled[rideID]; done && r.DriverID == driverID &&
		(r.Status == models.StatusCompleted || r.Status == models.StatusCancelled) {
		// a retry after a lost response gets the original answer
		return models.Settlement{Success: true, FinalPrice: fare}, nil
	}
	if r.DriverID != driverID || r.Status != models.StatusInProgress {
		return models.Settlement{Error: "ride is not in progress for this driver"}, nil
	}

	fare := Fare(*r, models.Coord{Lat: lat, Lon: lon})
	if fare == 0 {
		r.Status = models.StatusCancelled
	} else {
		r.Status = models.StatusCompleted
	}
	m.settled[rideID] = fare
	m.emitRideLocked(r)

	if d, ok := m.drivers[driverID]; ok {
		d.CommissionDebt += fare * CommissionRate
		m.drivers[driverID] = d
		m.emitLocked(models.StreamEvent{Table: models.TableDrivers, Type: models.EventUpdate, Driver: &d})
	}
	return models.Settlement{Success: true, FinalPrice: fare}, nil
}

// Fare prices a trip by how far it got from the pickup relative to the
// planned route. A trip that never left the pickup costs nothing.
func Fare(r models.RideCandidate, end models.Coord) float64 {
	driven := geo.Distance(r.Pickup, end)
	if driven < minDrivenKm {
		return 0
	}
	planned := geo.Distance(r.Pickup, r.Dropoff)
	if planned <= 0 || driven >= planned {
		return r.Price
	}
	return math.Round(r.Price*driven/planned*100) / 100
}

func (m *MemoryStore) Cancel(ctx context.Context, rideID, driverID string) (models.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.CancelResult{Error: "ride not found"}, nil
	}
	if r.DriverID != driverID || !r.Status.InFlight() {
		return models.CancelResult{Error: "ride cannot be cancelled by this driver"}, nil
	}
	r.Status = models.StatusSearching
	r.DriverID = ""
	m.emitRideLocked(r)
	return models.CancelResult{Success: true}, nil
}

func (m *MemoryStore) SetDriverOnline(ctx context.Context, driverID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrDriverNotFound
	}
	d.Online = online
	m.drivers[driverID] = d
	m.emitLocked(models.StreamEvent{Table: models.TableDrivers, Type: models.EventUpdate, Driver: &d})
	return nil
}

func (m *MemoryStore) RateCustomer(ctx context.Context, rideID, driverID string, stars int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.DriverID != driverID || r.Status != models.StatusCompleted {
		return ErrRideNotFound
	}
	m.ratings[rideID] = stars
	return nil
}

func (m *MemoryStore) ListSearching(ctx context.Context, filter feed.Eligibility) ([]models.RideCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideCandidate
	for _, r := range m.rides {
		if r.Status == models.StatusSearching && filter.Matches(*r) {
			out = append(out, *cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveRideFor(ctx context.Context, driverID string) (*models.RideCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status.InFlight() {
			return cloneRide(r), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.DriverProfile{DriverID: driverID}, ErrDriverNotFound
	}
	return d, nil
}

// Subscribe opens an in-process change stream. Events published while the
// stream's buffer is full are dropped, like a lossy realtime channel.
func (m *MemoryStore) Subscribe(ctx context.Context) (feed.Stream, error) {
	s := &memStream{store: m, events: make(chan models.StreamEvent, 64), done: make(chan struct{})}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) emitRideLocked(r *models.RideCandidate) {
	m.emitLocked(models.StreamEvent{Table: models.TableRides, Type: models.EventUpdate, Ride: cloneRide(r)})
}

func (m *MemoryStore) emitLocked(ev models.StreamEvent) {
	for s := range m.subs {
		select {
		case s.events <- ev:
		default:
		}
	}
}

func cloneRide(r *models.RideCandidate) *models.RideCandidate {
	c := *r
	if r.Batch != nil {
		c.Batch = append([]models.BatchStop(nil), r.Batch...)
	}
	return &c
}

type memStream struct {
	store  *MemoryStore
	events chan models.StreamEvent
	once   sync.Once
	done   chan struct{}
}

func (s *memStream) Next(ctx context.Context) (models.StreamEvent, error) {
	select {
	case <-ctx.Done():
		return models.StreamEvent{}, ctx.Err()
	case <-s.done:
		return models.StreamEvent{}, ErrStreamClosed
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *memStream) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		close(s.done)
	})
	return nil
}
