// Package gating tracks whether the driver may receive work: the online
// toggle and the commission-debt / suspension lockout.
package gating

import (
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// State is a point-in-time copy of the driver's availability.
type State struct {
	Online         bool
	Suspended      bool
	CommissionDebt float64
	DebtCeiling    float64
}

// Locked is true when the driver must not receive or act on new work,
// independent of the online flag.
func (s State) Locked() bool {
	return s.Suspended || s.CommissionDebt > s.DebtCeiling
}

type Availability struct {
	mu       sync.RWMutex
	state    State
	manualAt time.Time
	debounce time.Duration
	now      func() time.Time
}

// New returns an offline, unlocked availability. debounce is how long a
// manual toggle shadows server-pushed online corrections.
func New(debounce time.Duration) *Availability {
	return &Availability{debounce: debounce, now: time.Now}
}

// SetClock replaces the time source; tests use it to step through the
// debounce window.
func (a *Availability) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

func (a *Availability) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Availability) Online() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Online
}

func (a *Availability) Locked() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Locked()
}

// CanAfford reports whether taking on estimatedCommission keeps the debt
// within the ceiling.
func (a *Availability) CanAfford(estimatedCommission float64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.CommissionDebt+estimatedCommission <= a.state.DebtCeiling
}

// SetOnline records a manual toggle by the driver.
func (a *Availability) SetOnline(online bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Online = online
	a.manualAt = a.now()
}

// ApplyServerOnline applies an online flag pushed by the server. It returns
// false when the value was ignored because it contradicts a manual toggle
// made within the debounce window.
func (a *Availability) ApplyServerOnline(online bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyServerOnlineLocked(online)
}

func (a *Availability) applyServerOnlineLocked(online bool) bool {
	if online == a.state.Online {
		return true
	}
	if !a.manualAt.IsZero() && a.now().Sub(a.manualAt) < a.debounce {
		return false
	}
	a.state.Online = online
	return true
}

// ApplyProfile folds a server driver row into the availability and reports
// whether the lock state flipped.
func (a *Availability) ApplyProfile(p models.DriverProfile) (lockChanged bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.state.Locked()
	a.state.CommissionDebt = p.CommissionDebt
	a.state.DebtCeiling = p.DebtCeiling
	a.state.Suspended = p.Suspended
	a.applyServerOnlineLocked(p.Online)
	return was != a.state.Locked()
}

// Seed loads the initial profile without debounce; used once at startup.
func (a *Availability) Seed(p models.DriverProfile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = State{
		Online:         p.Online,
		Suspended:      p.Suspended,
		CommissionDebt: p.CommissionDebt,
		DebtCeiling:    p.DebtCeiling,
	}
}
