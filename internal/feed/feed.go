// Package feed turns realtime ride change events into the driver's ordered,
// de-duplicated queue of candidates.
package feed

import (
	"sort"

	"github.com/example/driver-dispatch/internal/models"
)

// Verdict is the outcome of offering a created ride to the queue.
type Verdict string

const (
	Admitted         Verdict = "admitted"
	RejectNotSearch  Verdict = "not_searching"
	RejectDeclined   Verdict = "declined"
	RejectOffline    Verdict = "offline"
	RejectLocked     Verdict = "locked"
	RejectIneligible Verdict = "ineligible"
	RejectDebt       Verdict = "debt_ceiling"
	RejectDuplicate  Verdict = "duplicate"
)

// Eligibility is the driver-side subscription filter: the driver's vehicle
// class, or any delivery.
type Eligibility struct {
	VehicleClass string
}

func (e Eligibility) Matches(r models.RideCandidate) bool {
	return r.Kind == models.KindDelivery || r.VehicleClass == e.VehicleClass
}

// Gate is the availability view consulted on admission.
type Gate interface {
	Online() bool
	Locked() bool
	CanAfford(estimatedCommission float64) bool
}

// Feed holds the candidate queue and the rejected set. It is not safe for
// concurrent use: the lifecycle machine owns it and serializes access.
type Feed struct {
	filter         Eligibility
	gate           Gate
	commissionRate float64
	annotate       func(*models.RideCandidate)

	items    []models.RideCandidate
	rejected map[string]struct{}
}

func New(filter Eligibility, gate Gate, commissionRate float64) *Feed {
	return &Feed{
		filter:         filter,
		gate:           gate,
		commissionRate: commissionRate,
		rejected:       make(map[string]struct{}),
	}
}

// SetAnnotator installs a hook that decorates candidates with display-only
// fields (distance, ETA) before they are queued.
func (f *Feed) SetAnnotator(fn func(*models.RideCandidate)) { f.annotate = fn }

func (f *Feed) Filter() Eligibility { return f.filter }

// EstimateCommission is the commission taking this ride would add to the
// driver's debt.
func (f *Feed) EstimateCommission(r models.RideCandidate) float64 {
	return r.Price * f.commissionRate
}

// OnCreate runs admission for a newly created (or reconciled) ride.
func (f *Feed) OnCreate(r models.RideCandidate) Verdict {
	switch {
	case r.Status != models.StatusSearching:
		return RejectNotSearch
	case f.IsRejected(r.ID):
		return RejectDeclined
	case !f.gate.Online():
		return RejectOffline
	case f.gate.Locked():
		return RejectLocked
	case !f.filter.Matches(r):
		return RejectIneligible
	case !f.gate.CanAfford(f.EstimateCommission(r)):
		return RejectDebt
	case f.Contains(r.ID):
		return RejectDuplicate
	}
	f.prepare(&r)
	f.insert(r)
	return Admitted
}

// OnUpdate applies a status change. A queued ride that left "searching" is
// evicted and OnUpdate returns true; otherwise the queued copy is refreshed.
func (f *Feed) OnUpdate(r models.RideCandidate) (evicted bool) {
	i := f.index(r.ID)
	if i < 0 {
		return false
	}
	if r.Status != models.StatusSearching {
		f.removeAt(i)
		return true
	}
	f.prepare(&r)
	f.items[i] = r
	return false
}

// Head returns the oldest queued candidate.
func (f *Feed) Head() (models.RideCandidate, bool) {
	if len(f.items) == 0 {
		return models.RideCandidate{}, false
	}
	return f.items[0], true
}

func (f *Feed) Get(id string) (models.RideCandidate, bool) {
	if i := f.index(id); i >= 0 {
		return f.items[i], true
	}
	return models.RideCandidate{}, false
}

func (f *Feed) Remove(id string) bool {
	i := f.index(id)
	if i < 0 {
		return false
	}
	f.removeAt(i)
	return true
}

// Reject dequeues id and remembers it for the rest of the online session.
func (f *Feed) Reject(id string) {
	f.rejected[id] = struct{}{}
	f.Remove(id)
}

func (f *Feed) IsRejected(id string) bool {
	_, ok := f.rejected[id]
	return ok
}

func (f *Feed) Contains(id string) bool { return f.index(id) >= 0 }

func (f *Feed) Len() int { return len(f.items) }

// Clear drops every queued candidate without marking any as rejected.
func (f *Feed) Clear() { f.items = f.items[:0] }

// ResetSession forgets the rejected set; called when the driver goes offline.
func (f *Feed) ResetSession() {
	f.rejected = make(map[string]struct{})
	f.Clear()
}

// Items returns a copy of the queue in promotion order.
func (f *Feed) Items() []models.RideCandidate {
	out := make([]models.RideCandidate, len(f.items))
	copy(out, f.items)
	return out
}

func (f *Feed) prepare(r *models.RideCandidate) {
	r.CashCollections = AggregateCash(r.Batch)
	if f.annotate != nil {
		f.annotate(r)
	}
}

// insert keeps the queue ordered by creation time; equal timestamps keep
// arrival order.
func (f *Feed) insert(r models.RideCandidate) {
	i := sort.Search(len(f.items), func(i int) bool {
		return f.items[i].CreatedAt.After(r.CreatedAt)
	})
	f.items = append(f.items, models.RideCandidate{})
	copy(f.items[i+1:], f.items[i:])
	f.items[i] = r
}

func (f *Feed) index(id string) int {
	for i := range f.items {
		if f.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *Feed) removeAt(i int) {
	f.items = append(f.items[:i], f.items[i+1:]...)
}

// AggregateCash sums the cash owed per business across a batch, in the
// order businesses first appear.
func AggregateCash(batch []models.BatchStop) []models.CashCollection {
	if len(batch) == 0 {
		return nil
	}
	out := make([]models.CashCollection, 0, len(batch))
	pos := make(map[string]int, len(batch))
	for _, s := range batch {
		if i, ok := pos[s.BusinessID]; ok {
			out[i].Amount += s.CashAmount
			continue
		}
		pos[s.BusinessID] = len(out)
		out = append(out, models.CashCollection{BusinessID: s.BusinessID, BusinessName: s.BusinessName, Amount: s.CashAmount})
	}
	return out
}
