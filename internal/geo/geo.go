package geo

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Haversine distance in kilometers between two lat/lon pairs in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Mirror receives every accepted position update, e.g. a Redis GEO set or a
// Kafka topic.
type Mirror interface {
	Publish(ctx context.Context, driverID string, p models.Position) error
}

// Tracker holds the latest device position for one driver. It is the only
// location state the dispatch core reads.
type Tracker struct {
	mu       sync.RWMutex
	driverID string
	pos      models.Position
	has      bool
	mirrors  []Mirror
	logger   *slog.Logger
}

func NewTracker(driverID string, logger *slog.Logger, mirrors ...Mirror) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{driverID: driverID, mirrors: mirrors, logger: logger}
}

// Update stores p as the current position and forwards it to the mirrors.
// Mirror failures are logged; they never reject the update.
func (t *Tracker) Update(ctx context.Context, p models.Position) {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	t.mu.Lock()
	t.pos = p
	t.has = true
	t.mu.Unlock()

	for _, m := range t.mirrors {
		if err := m.Publish(ctx, t.driverID, p); err != nil {
			t.logger.Warn("position mirror failed", "driver_id", t.driverID, "error", err)
		}
	}
}

// Current returns the last reported position, if any.
func (t *Tracker) Current() (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos, t.has
}

// DistanceTo returns the km between the current position and c.
func (t *Tracker) DistanceTo(c models.Coord) (float64, bool) {
	p, ok := t.Current()
	if !ok {
		return 0, false
	}
	return Distance(p.Coord, c), true
}
