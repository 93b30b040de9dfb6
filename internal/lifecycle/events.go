package lifecycle

import (
	"context"
	"errors"

	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

var _ feed.Sink = (*Machine)(nil)

var phaseRank = map[models.Phase]int{
	models.PhaseIdle:       0,
	models.PhaseRinging:    1,
	models.PhaseAccepted:   2,
	models.PhaseArrived:    3,
	models.PhaseNavigating: 4,
	models.PhaseCompleted:  5,
}

// OnRideInsert offers a newly created ride to the queue.
func (m *Machine) OnRideInsert(ctx context.Context, r models.RideCandidate) {
	m.mu.Lock()
	m.admitLocked(r)
	m.promoteLocked()
	m.mu.Unlock()
	m.publish()
}

func (m *Machine) admitLocked(r models.RideCandidate) {
	if a := m.active; a != nil && (a.ID == r.ID || a.Phase != models.PhaseRinging) {
		// one ride at a time; the resync after it ends picks up what is still searching
		observability.CandidatesTotal.WithLabelValues("busy").Inc()
		return
	}
	v := m.feed.OnCreate(r)
	observability.CandidatesTotal.WithLabelValues(string(v)).Inc()
	if v == feed.Admitted {
		m.logger.Info("candidate queued", "ride_id", r.ID, "kind", r.Kind, "queue_length", m.feed.Len())
	} else {
		m.logger.Debug("candidate skipped", "ride_id", r.ID, "verdict", v)
	}
}

// OnRideUpdate applies a server status change. For the active ride it is
// the defense against local state diverging from backend truth.
func (m *Machine) OnRideUpdate(ctx context.Context, r models.RideCandidate) {
	m.mu.Lock()
	if m.active != nil && m.active.ID == r.ID {
		m.reconcileActiveLocked(r)
	} else if m.feed.OnUpdate(r) {
		m.logger.Info("candidate evicted", "ride_id", r.ID, "status", r.Status)
	}
	m.mu.Unlock()
	m.publish()
}

func (m *Machine) reconcileActiveLocked(r models.RideCandidate) {
	a := m.active
	me := m.cfg.DriverID
	switch a.Phase {
	case models.PhaseRinging:
		if r.Status == models.StatusSearching {
			m.feed.OnUpdate(r)
			if c, ok := m.feed.Get(r.ID); ok {
				a.RideCandidate = c
			}
			return
		}
		if r.DriverID == me {
			// echo of our own accept racing its response
			return
		}
		if r.Status == models.StatusCancelled {
			m.forceIdleLocked("cancelled", models.NoticeCancelled, "The customer cancelled this request.")
			return
		}
		m.forceIdleLocked("taken", models.NoticeTaken, "This ride was already taken by another driver.")
	case models.PhaseAccepted, models.PhaseArrived, models.PhaseNavigating:
		if a.Pending == models.IntentComplete && r.DriverID == me &&
			(r.Status == models.StatusCompleted || r.Status == models.StatusCancelled) {
			// echo of our own settlement; a zero fare closes as cancelled.
			// The settle response decides the outcome.
			return
		}
		switch {
		case r.Status == models.StatusCancelled:
			m.forceIdleLocked("cancelled", models.NoticeCancelled, "The customer cancelled the ride.")
		case r.DriverID != "" && r.DriverID != me:
			m.forceIdleLocked("reassigned", models.NoticeReassigned, "This ride was reassigned to another driver.")
		}
	}
}

// OnDriverUpdate applies a pushed driver row: debt, ceiling, suspension
// and the online flag.
func (m *Machine) OnDriverUpdate(ctx context.Context, p models.DriverProfile) {
	m.mu.Lock()
	m.applyProfileLocked(p)
	m.mu.Unlock()
	m.publish()
}

func (m *Machine) applyProfileLocked(p models.DriverProfile) {
	changed := m.gate.ApplyProfile(p)
	st := m.gate.Snapshot()
	switch {
	case st.Locked():
		m.dropOffersLocked()
		if changed {
			m.logger.Warn("driver locked", "commission_debt", st.CommissionDebt, "debt_ceiling", st.DebtCeiling, "suspended", st.Suspended)
			m.noticeLocked(models.NoticeLocked, "", "Your account is restricted. Settle your commission balance to receive rides.")
		}
	case !st.Online:
		m.dropOffersLocked()
	case changed:
		m.logger.Info("driver unlocked")
		m.wantResync = true
	}
}

// dropOffersLocked discards unaccepted work: the ringing offer, if any,
// and the queue. Accepted rides are untouched.
func (m *Machine) dropOffersLocked() {
	if m.active != nil && m.active.Phase == models.PhaseRinging {
		m.clearLocked()
		return
	}
	m.feed.Clear()
}

// Reconcile applies a catch-up fetch: profile, the driver's own in-flight
// ride, and the currently searching rides.
func (m *Machine) Reconcile(ctx context.Context, rec feed.Reconciliation) {
	m.mu.Lock()
	if rec.Profile != nil {
		m.applyProfileLocked(*rec.Profile)
	}
	if rec.OwnChecked {
		m.reconcileOwnLocked(rec)
	}
	for _, r := range rec.Searching {
		m.admitLocked(r)
	}
	m.promoteLocked()
	m.mu.Unlock()
	m.publish()
}

func (m *Machine) reconcileOwnLocked(rec feed.Reconciliation) {
	own := rec.Own
	if own != nil && (own.DriverID != m.cfg.DriverID || !own.Status.InFlight()) {
		own = nil
	}

	// A fetch that started after our last confirmed transition and does
	// not show our ride means the server no longer considers it ours.
	if a := m.active; a != nil && a.Pending == "" && rec.FetchedAt.After(m.confirmedAt) {
		switch a.Phase {
		case models.PhaseAccepted, models.PhaseArrived, models.PhaseNavigating:
			if own == nil || own.ID != a.ID {
				m.forceIdleLocked("stale", models.NoticeStale, "Your ride is no longer active.")
			}
		}
	}

	if own == nil {
		return
	}
	phase, _ := models.PhaseFor(own.Status)
	a := m.active
	switch {
	case a == nil || a.Phase == models.PhaseRinging:
		if a != nil {
			m.clearLocked()
		}
		m.feed.Clear()
		m.active = &models.ActiveRide{RideCandidate: *own, Phase: models.PhaseIdle}
		m.transitionLocked(phase)
		m.active.DestinationRevealed = phase == models.PhaseNavigating
		m.logger.Info("restored in-flight ride", "ride_id", own.ID, "phase", phase)
	case a.ID == own.ID && a.Pending == "" && phaseRank[phase] > phaseRank[a.Phase]:
		m.transitionLocked(phase)
		a.Status = own.Status
		if phase == models.PhaseNavigating {
			a.DestinationRevealed = true
		}
		m.logger.Info("advanced ride to server phase", "ride_id", own.ID, "phase", phase)
	}
}

// OnLocation checks the proximity auto-complete for passenger trips. The
// caller has already stored p in the position source.
func (m *Machine) OnLocation(ctx context.Context, p models.Position) {
	m.mu.Lock()
	a := m.active
	trigger := a != nil &&
		a.Phase == models.PhaseNavigating &&
		a.Kind == models.KindPassenger &&
		a.Pending == "" &&
		geo.Distance(p.Coord, a.Dropoff) <= m.cfg.AutoCompleteKm
	m.mu.Unlock()
	if !trigger {
		return
	}
	if err := m.settle(ctx, true); err != nil && !errors.Is(err, ErrIntentPending) {
		m.logger.Warn("auto-complete failed", "error", err)
	}
}
