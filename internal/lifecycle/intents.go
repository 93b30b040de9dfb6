package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Accept claims the ringing ride through the backend's guarded update. The
// phase only becomes accepted once the backend confirms the claim.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.gate.Locked() {
		m.mu.Unlock()
		m.logger.Error("accept attempted while locked")
		return ErrGatingViolation
	}
	a := m.active
	switch {
	case a == nil:
		m.mu.Unlock()
		return ErrNoActiveRide
	case a.Phase == models.PhaseAccepted, a.Phase == models.PhaseRinging && a.Pending == models.IntentAccept:
		m.mu.Unlock()
		return nil
	case a.Phase != models.PhaseRinging:
		m.mu.Unlock()
		return ErrInvalidPhase
	}
	rideID, epoch := a.ID, m.epoch
	a.Pending = models.IntentAccept
	m.mu.Unlock()
	m.publish()

	start := time.Now()
	rows, err := m.backend.TryAccept(ctx, rideID, m.cfg.DriverID)
	observeBackend("try_accept", start, err)

	m.mu.Lock()
	if !m.currentLocked(rideID, epoch) {
		m.mu.Unlock()
		observability.AcceptsTotal.WithLabelValues("superseded").Inc()
		if err == nil && rows > 0 {
			// the backend assigned us a ride we already dropped locally
			m.logger.Warn("accept confirmed after offer was dropped", "ride_id", rideID)
			m.requestResync()
		}
		return ErrSuperseded
	}
	a = m.active
	a.Pending = ""
	switch {
	case err != nil:
		m.mu.Unlock()
		m.publish()
		observability.AcceptsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("accept ride %s: %w", rideID, err)
	case rows == 0:
		observability.AcceptsTotal.WithLabelValues("lost").Inc()
		m.logger.Info("accept race lost", "ride_id", rideID)
		m.feed.Remove(rideID)
		observability.PhaseTransitions.WithLabelValues(string(a.Phase), string(models.PhaseIdle)).Inc()
		m.active = nil
		m.epoch++
		m.noticeLocked(models.NoticeUnavailable, rideID, "Ride Unavailable: it was already taken or cancelled.")
		m.promoteLocked()
		m.mu.Unlock()
		m.publish()
		return ErrRaceLost
	}

	observability.AcceptsTotal.WithLabelValues("won").Inc()
	m.transitionLocked(models.PhaseAccepted)
	a.Status = models.StatusAccepted
	a.DriverID = m.cfg.DriverID
	a.Countdown = 0
	m.feed.Clear()
	m.logger.Info("ride accepted", "ride_id", rideID)
	m.mu.Unlock()
	m.publish()
	return nil
}

// Decline rejects the ringing ride locally; the ride stays searching for
// other drivers.
func (m *Machine) Decline(ctx context.Context) error {
	m.mu.Lock()
	a := m.active
	switch {
	case a == nil:
		m.mu.Unlock()
		return ErrNoActiveRide
	case a.Phase != models.PhaseRinging:
		m.mu.Unlock()
		return ErrInvalidPhase
	case a.Pending != "":
		m.mu.Unlock()
		return ErrIntentPending
	}
	m.logger.Info("offer declined", "ride_id", a.ID)
	m.declineLocked()
	m.mu.Unlock()
	m.publish()
	return nil
}

// Arrived reports arrival at pickup. Arrival is a physical fact: the phase
// advances even if the backend write fails, and the write is retried in
// the background.
func (m *Machine) Arrived(ctx context.Context) error {
	rideID, epoch, err := m.begin(models.IntentArrived, models.PhaseAccepted, models.PhaseArrived)
	if err != nil || rideID == "" {
		return err
	}

	start := time.Now()
	err = m.backend.SetStatus(ctx, rideID, models.StatusArrived)
	observeBackend("set_status", start, err)

	m.mu.Lock()
	if !m.currentLocked(rideID, epoch) {
		m.mu.Unlock()
		return ErrSuperseded
	}
	a := m.active
	a.Pending = ""
	m.transitionLocked(models.PhaseArrived)
	a.Status = models.StatusArrived
	m.notifyLocked(rideID, "Driver arrived", "Your driver has arrived at the pickup point.")
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("arrival sync failed, retrying in background", "ride_id", rideID, "error", err)
		go m.retrySync(rideID, epoch, models.StatusArrived, models.PhaseArrived)
	}
	m.publish()
	return nil
}

// Start begins the trip. The phase stays arrived until the backend
// confirms.
func (m *Machine) Start(ctx context.Context) error {
	rideID, epoch, err := m.begin(models.IntentStart, models.PhaseArrived, models.PhaseNavigating)
	if err != nil || rideID == "" {
		return err
	}

	start := time.Now()
	err = m.backend.SetStatus(ctx, rideID, models.StatusInProgress)
	observeBackend("set_status", start, err)

	m.mu.Lock()
	if !m.currentLocked(rideID, epoch) {
		m.mu.Unlock()
		return ErrSuperseded
	}
	a := m.active
	a.Pending = ""
	if err != nil {
		m.mu.Unlock()
		m.publish()
		return fmt.Errorf("start ride %s: %w", rideID, err)
	}
	m.transitionLocked(models.PhaseNavigating)
	a.Status = models.StatusInProgress
	a.DestinationRevealed = true
	m.mu.Unlock()
	m.publish()

	if err := m.backend.SetDriverOnline(ctx, m.cfg.DriverID, true); err != nil {
		m.logger.Warn("online flag sync failed", "ride_id", rideID, "error", err)
	}
	return nil
}

// begin validates that the active ride is in phase from with no other call
// in flight and marks intent as pending. An empty rideID with a nil error
// means the intent was already applied or is in flight (idempotent no-op).
func (m *Machine) begin(intent models.Intent, from, to models.Phase) (string, uint64, error) {
	m.mu.Lock()
	a := m.active
	switch {
	case a == nil:
		m.mu.Unlock()
		return "", 0, ErrNoActiveRide
	case a.Pending == intent, a.Phase == to:
		m.mu.Unlock()
		return "", 0, nil
	case a.Phase != from:
		m.mu.Unlock()
		return "", 0, ErrInvalidPhase
	case a.Pending != "":
		m.mu.Unlock()
		return "", 0, ErrIntentPending
	}
	a.Pending = intent
	rideID, epoch := a.ID, m.epoch
	m.mu.Unlock()
	m.publish()
	return rideID, epoch, nil
}

// retrySync re-sends a status write with exponential backoff for as long as
// the ride is still active and has not moved past phase. Once a later
// intent has advanced the ride, its own write supersedes this one.
func (m *Machine) retrySync(rideID string, epoch uint64, status models.RideStatus, phase models.Phase) {
	delay := m.cfg.SyncDelay
	for i := 0; i < m.cfg.SyncAttempts; i++ {
		time.Sleep(delay)
		delay *= 2
		if !m.stillIn(rideID, epoch, phase) {
			m.logger.Debug("status sync dropped", "ride_id", rideID, "status", status)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.backend.SetStatus(ctx, rideID, status)
		cancel()
		if err == nil {
			m.logger.Info("status synced", "ride_id", rideID, "status", status, "attempt", i+1)
			return
		}
		m.logger.Warn("status sync retry failed", "ride_id", rideID, "status", status, "attempt", i+1, "error", err)
	}
	m.mu.Lock()
	if m.currentLocked(rideID, epoch) && m.active.Phase == phase {
		m.noticeLocked(models.NoticeSyncFailed, rideID, "Could not sync your ride status. Check your connection.")
	}
	m.mu.Unlock()
	m.publish()
}

// Complete ends the trip through settlement.
func (m *Machine) Complete(ctx context.Context) error {
	return m.settle(ctx, false)
}

// settle is the single completion path: explicit complete, proximity
// auto-complete, cancel-after-distance and going offline mid-trip.
func (m *Machine) settle(ctx context.Context, isAuto bool) error {
	trigger := "manual"
	if isAuto {
		trigger = "auto"
	}

	m.mu.Lock()
	a := m.active
	switch {
	case a == nil:
		m.mu.Unlock()
		return ErrNoActiveRide
	case a.Pending == models.IntentComplete, a.Phase == models.PhaseCompleted:
		m.mu.Unlock()
		return nil
	case a.Phase != models.PhaseNavigating:
		m.mu.Unlock()
		return ErrInvalidPhase
	case a.Pending != "":
		m.mu.Unlock()
		return ErrIntentPending
	}
	end, ok := m.position.Current()
	if !ok {
		m.logger.Warn("no position fix for settlement, using dropoff", "ride_id", a.ID)
		end = models.Position{Coord: a.Dropoff}
	}
	rideID, epoch := a.ID, m.epoch
	a.Pending = models.IntentComplete
	m.mu.Unlock()
	m.publish()

	start := time.Now()
	res, err := m.backend.Settle(ctx, rideID, m.cfg.DriverID, end.Lat, end.Lon, isAuto)
	observeBackend("settle", start, err)

	m.mu.Lock()
	if !m.currentLocked(rideID, epoch) {
		m.mu.Unlock()
		observability.SettlementsTotal.WithLabelValues(trigger, "superseded").Inc()
		return ErrSuperseded
	}
	a = m.active
	a.Pending = ""
	switch {
	case err != nil:
		m.mu.Unlock()
		m.publish()
		observability.SettlementsTotal.WithLabelValues(trigger, "error").Inc()
		return fmt.Errorf("settle ride %s: %w", rideID, err)
	case !res.Success:
		observability.SettlementsTotal.WithLabelValues(trigger, "rejected").Inc()
		m.forceIdleLocked("settle_rejected", models.NoticeUnavailable, "This ride was already closed.")
		m.mu.Unlock()
		m.publish()
		return fmt.Errorf("%w: %s", ErrRaceLost, res.Error)
	case res.FinalPrice == 0:
		// no billable movement: close as a cancellation, no payment, no rating
		observability.SettlementsTotal.WithLabelValues(trigger, "anomaly").Inc()
		m.logger.Warn("settlement returned zero price", "ride_id", rideID)
		m.notifyLocked(rideID, "Ride cancelled", "Your ride was cancelled and you have not been charged.")
		m.noticeLocked(models.NoticeAnomaly, rideID, "The trip ended without distance and was closed as cancelled.")
		m.clearLocked()
		m.wantResync = true
		m.mu.Unlock()
		m.publish()
		return nil
	}

	observability.SettlementsTotal.WithLabelValues(trigger, "completed").Inc()
	m.transitionLocked(models.PhaseCompleted)
	a.Status = models.StatusCompleted
	a.FinalPrice = res.FinalPrice
	endCoord := end.Coord
	a.EndPosition = &endCoord
	m.notifyLocked(rideID, "Trip completed", fmt.Sprintf("You have arrived. Total fare: %.2f", res.FinalPrice))
	m.logger.Info("ride settled", "ride_id", rideID, "final_price", res.FinalPrice, "auto", isAuto)
	m.mu.Unlock()
	m.publish()
	return nil
}

// Cancel abandons the active ride. Ringing offers are dropped locally;
// accepted rides are cancelled on the backend; a trip already driven away
// from the pickup is settled instead, since it produced billable distance.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	a := m.active
	switch {
	case a == nil:
		m.mu.Unlock()
		return ErrNoActiveRide
	case a.Pending == models.IntentCancel:
		m.mu.Unlock()
		return nil
	case a.Pending != "":
		m.mu.Unlock()
		return ErrIntentPending
	case a.Phase == models.PhaseCompleted:
		m.mu.Unlock()
		return ErrInvalidPhase
	case a.Phase == models.PhaseRinging:
		m.logger.Info("offer cancelled", "ride_id", a.ID)
		m.declineLocked()
		m.mu.Unlock()
		m.publish()
		return nil
	case a.Phase == models.PhaseNavigating:
		if d, ok := m.distanceLocked(a.Pickup); ok && d > m.cfg.CancelSettleKm {
			m.logger.Info("cancel after distance routed to settlement", "ride_id", a.ID, "km_from_pickup", d)
			m.mu.Unlock()
			return m.settle(ctx, false)
		}
	}
	rideID, epoch := a.ID, m.epoch
	a.Pending = models.IntentCancel
	m.mu.Unlock()
	m.publish()

	start := time.Now()
	res, err := m.backend.Cancel(ctx, rideID, m.cfg.DriverID)
	observeBackend("cancel", start, err)

	m.mu.Lock()
	if !m.currentLocked(rideID, epoch) {
		m.mu.Unlock()
		return ErrSuperseded
	}
	a = m.active
	a.Pending = ""
	switch {
	case err != nil:
		m.mu.Unlock()
		m.publish()
		return fmt.Errorf("cancel ride %s: %w", rideID, err)
	case !res.Success:
		m.mu.Unlock()
		m.publish()
		return fmt.Errorf("%w: %s", ErrCancelRejected, res.Error)
	}
	m.logger.Info("ride cancelled by driver", "ride_id", rideID, "phase", a.Phase)
	m.notifyLocked(rideID, "Driver cancelled", "Your driver cancelled the ride. We are finding you another one.")
	// the backend may put the request back in the pool; do not offer it to us again
	m.feed.Reject(rideID)
	m.clearLocked()
	m.wantResync = true
	m.mu.Unlock()
	m.publish()
	return nil
}

// ConfirmPayment records that the final price was collected.
func (m *Machine) ConfirmPayment(ctx context.Context) error {
	m.mu.Lock()
	a := m.active
	switch {
	case a == nil:
		m.mu.Unlock()
		return ErrNoActiveRide
	case a.Phase != models.PhaseCompleted:
		m.mu.Unlock()
		return ErrInvalidPhase
	case a.PaymentConfirmed, a.Pending == models.IntentPayment:
		m.mu.Unlock()
		return nil
	case a.Pending != "":
		m.mu.Unlock()
		return ErrIntentPending
	}
	ride := *a
	rideID, epoch := a.ID, m.epoch
	a.Pending = models.IntentPayment
	m.mu.Unlock()
	m.publish()

	err := m.payments.Collect(ctx, ride)

	m.mu.Lock()
	if !m.currentLocked(rideID, epoch) {
		m.mu.Unlock()
		return ErrSuperseded
	}
	a = m.active
	a.Pending = ""
	if err != nil {
		m.mu.Unlock()
		m.publish()
		return fmt.Errorf("collect payment for ride %s: %w", rideID, err)
	}
	a.PaymentConfirmed = true
	m.logger.Info("payment confirmed", "ride_id", rideID, "method", ride.PaymentMethod, "amount", ride.FinalPrice)
	m.mu.Unlock()
	m.publish()
	return nil
}

// Rate submits the driver's rating of the customer and returns to idle.
// A failed rating write is logged; it never keeps the driver out of work.
func (m *Machine) Rate(ctx context.Context, stars int) error {
	if stars < 1 || stars > 5 {
		return ErrInvalidRating
	}
	rideID, epoch, err := m.beginFinish(models.IntentRating)
	if err != nil || rideID == "" {
		return err
	}
	if err := m.backend.RateCustomer(ctx, rideID, m.cfg.DriverID, stars); err != nil {
		m.logger.Warn("rating not saved", "ride_id", rideID, "error", err)
	}
	return m.finish(rideID, epoch)
}

// SkipRating returns to idle without rating the customer.
func (m *Machine) SkipRating(ctx context.Context) error {
	rideID, epoch, err := m.beginFinish(models.IntentSkipRating)
	if err != nil || rideID == "" {
		return err
	}
	return m.finish(rideID, epoch)
}

func (m *Machine) beginFinish(intent models.Intent) (string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active
	switch {
	case a == nil:
		return "", 0, ErrNoActiveRide
	case a.Phase != models.PhaseCompleted:
		return "", 0, ErrInvalidPhase
	case !a.PaymentConfirmed:
		return "", 0, ErrPaymentRequired
	case a.Pending == intent:
		return "", 0, nil
	case a.Pending != "":
		return "", 0, ErrIntentPending
	}
	a.Pending = intent
	return a.ID, m.epoch, nil
}

func (m *Machine) finish(rideID string, epoch uint64) error {
	m.mu.Lock()
	if !m.currentLocked(rideID, epoch) {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.logger.Info("ride finished", "ride_id", rideID)
	m.clearLocked()
	m.wantResync = true
	m.mu.Unlock()
	m.publish()
	return nil
}

// ToggleOnline flips the driver's availability and returns the new value.
// Going offline first winds down the active ride: an accepted ride is
// cancelled and a trip in progress is settled. A ringing offer is dropped
// only once the backend has recorded the driver offline.
func (m *Machine) ToggleOnline(ctx context.Context) (bool, error) {
	if !m.gate.Online() {
		if err := m.backend.SetDriverOnline(ctx, m.cfg.DriverID, true); err != nil {
			return false, fmt.Errorf("go online: %w", err)
		}
		m.mu.Lock()
		m.gate.SetOnline(true)
		m.wantResync = true
		m.logger.Info("driver online")
		m.mu.Unlock()
		m.publish()
		return true, nil
	}

	m.mu.Lock()
	phase := models.PhaseIdle
	if m.active != nil {
		phase = m.active.Phase
		if m.active.Pending != "" {
			m.mu.Unlock()
			return true, ErrIntentPending
		}
	}
	m.mu.Unlock()

	switch phase {
	case models.PhaseAccepted, models.PhaseArrived:
		if err := m.Cancel(ctx); err != nil {
			return true, err
		}
	case models.PhaseNavigating:
		if err := m.settle(ctx, false); err != nil {
			return true, err
		}
	}

	if err := m.backend.SetDriverOnline(ctx, m.cfg.DriverID, false); err != nil {
		// still online: a ringing offer stays up, anything wound down above
		// is refilled by a catch-up fetch
		m.mu.Lock()
		m.wantResync = true
		m.mu.Unlock()
		m.publish()
		return true, fmt.Errorf("go offline: %w", err)
	}
	m.mu.Lock()
	m.gate.SetOnline(false)
	if m.active != nil && m.active.Phase == models.PhaseRinging {
		m.clearLocked()
	}
	m.feed.ResetSession()
	m.logger.Info("driver offline")
	m.mu.Unlock()
	m.publish()
	return false, nil
}
