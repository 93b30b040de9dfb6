package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Position is a live device fix as reported by the location source.
type Position struct {
	Coord
	Heading float64   `json:"heading"`
	At      time.Time `json:"at"`
}

type RideKind string

const (
	KindPassenger RideKind = "passenger"
	KindDelivery  RideKind = "delivery"
)

type RideStatus string

const (
	StatusSearching  RideStatus = "searching"
	StatusAccepted   RideStatus = "accepted"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in_progress"
	StatusCancelled  RideStatus = "cancelled"
	StatusCompleted  RideStatus = "completed"
)

// InFlight reports whether a driver is currently working the ride.
func (s RideStatus) InFlight() bool {
	return s == StatusAccepted || s == StatusArrived || s == StatusInProgress
}

// Predecessors lists the statuses a driver's write of s may overwrite.
// Rewriting the same status is allowed so retries are harmless; moving
// backwards is not.
func (s RideStatus) Predecessors() []RideStatus {
	switch s {
	case StatusArrived:
		return []RideStatus{StatusAccepted, StatusArrived}
	case StatusInProgress:
		return []RideStatus{StatusAccepted, StatusArrived, StatusInProgress}
	}
	return nil
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

// BatchStop is one merchant pickup inside a batched delivery.
type BatchStop struct {
	BusinessID   string  `json:"business_id"`
	BusinessName string  `json:"business_name"`
	Pickup       Coord   `json:"pickup"`
	CashAmount   float64 `json:"cash_amount"`
}

// CashCollection is the amount the driver pays upfront to one business.
type CashCollection struct {
	BusinessID   string  `json:"business_id"`
	BusinessName string  `json:"business_name"`
	Amount       float64 `json:"amount"`
}

// RideCandidate is a ride or delivery request as seen by one driver.
type RideCandidate struct {
	ID            string        `json:"id"`
	Kind          RideKind      `json:"kind"`
	VehicleClass  string        `json:"vehicle_class"`
	Price         float64       `json:"price"`
	Pickup        Coord         `json:"pickup"`
	Dropoff       Coord         `json:"dropoff"`
	Batch         []BatchStop   `json:"batch,omitempty"`
	CashUpfront   float64       `json:"cash_upfront,omitempty"`
	Status        RideStatus    `json:"status"`
	DriverID      string        `json:"driver_id,omitempty"`
	CustomerID    string        `json:"customer_id,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`

	// derived on admission
	CashCollections []CashCollection `json:"cash_collections,omitempty"`
	DistanceKm      float64          `json:"distance_km,omitempty"`
	ETASeconds      float64          `json:"eta_seconds,omitempty"`
}

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRinging    Phase = "ringing"
	PhaseAccepted   Phase = "accepted"
	PhaseArrived    Phase = "arrived"
	PhaseNavigating Phase = "navigating"
	PhaseCompleted  Phase = "completed"
)

// PhaseFor maps an in-flight server status onto the local phase used when
// restoring a ride after a restart.
func PhaseFor(s RideStatus) (Phase, bool) {
	switch s {
	case StatusAccepted:
		return PhaseAccepted, true
	case StatusArrived:
		return PhaseArrived, true
	case StatusInProgress:
		return PhaseNavigating, true
	}
	return PhaseIdle, false
}

type Intent string

const (
	IntentAccept     Intent = "accept"
	IntentDecline    Intent = "decline"
	IntentArrived    Intent = "arrived"
	IntentStart      Intent = "start"
	IntentComplete   Intent = "complete"
	IntentCancel     Intent = "cancel"
	IntentPayment    Intent = "payment"
	IntentRating     Intent = "rating"
	IntentSkipRating Intent = "skip_rating"
	IntentToggle     Intent = "toggle_online"
)

// ActiveRide is the single ride the driver is currently dealing with.
type ActiveRide struct {
	RideCandidate
	Phase               Phase   `json:"phase"`
	Countdown           int     `json:"countdown,omitempty"`
	DestinationRevealed bool    `json:"destination_revealed"`
	Pending             Intent  `json:"pending,omitempty"`
	FinalPrice          float64 `json:"final_price,omitempty"`
	EndPosition         *Coord  `json:"end_position,omitempty"`
	PaymentConfirmed    bool    `json:"payment_confirmed,omitempty"`
}

// DriverProfile is the server-side driver row relevant to dispatch.
type DriverProfile struct {
	DriverID       string  `json:"driver_id"`
	VehicleClass   string  `json:"vehicle_class"`
	CommissionDebt float64 `json:"commission_debt"`
	DebtCeiling    float64 `json:"debt_ceiling"`
	Suspended      bool    `json:"suspended"`
	Online         bool    `json:"online"`
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// StreamEvent is one change notification from the realtime stream.
type StreamEvent struct {
	Table  string         `json:"table"` // rides | drivers
	Type   EventType      `json:"type"`
	Ride   *RideCandidate `json:"ride,omitempty"`
	Driver *DriverProfile `json:"driver,omitempty"`
}

const (
	TableRides   = "rides"
	TableDrivers = "drivers"
)

// Settlement is the backend's answer to a completion request.
type Settlement struct {
	Success    bool    `json:"success"`
	FinalPrice float64 `json:"final_price"`
	Error      string  `json:"error,omitempty"`
}

// CancelResult is the backend's answer to a cancellation request.
type CancelResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type NoticeKind string

const (
	NoticeUnavailable NoticeKind = "ride_unavailable"
	NoticeTaken       NoticeKind = "ride_taken"
	NoticeCancelled   NoticeKind = "ride_cancelled"
	NoticeReassigned  NoticeKind = "ride_reassigned"
	NoticeAnomaly     NoticeKind = "settlement_anomaly"
	NoticeSyncFailed  NoticeKind = "sync_failed"
	NoticeLocked      NoticeKind = "account_locked"
	NoticeStale       NoticeKind = "ride_state_stale"
)

// Notice is a short-lived user-visible alert.
type Notice struct {
	ID      string     `json:"id"`
	Kind    NoticeKind `json:"kind"`
	RideID  string     `json:"ride_id,omitempty"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// Snapshot is the read model handed to the presentation shell.
type Snapshot struct {
	DriverID       string          `json:"driver_id"`
	Online         bool            `json:"online"`
	Locked         bool            `json:"locked"`
	Suspended      bool            `json:"suspended"`
	CommissionDebt float64         `json:"commission_debt"`
	DebtCeiling    float64         `json:"debt_ceiling"`
	QueueLength    int             `json:"queue_length"`
	Queue          []RideCandidate `json:"queue"`
	Active         *ActiveRide     `json:"active,omitempty"`
}
