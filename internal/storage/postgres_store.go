package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/models"
)

// PostgresStore is the ride mutation service backed by the rides and drivers
// tables. Completion and cancellation go through server-owned SQL functions
// so pricing and debt accounting stay on the server.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// TryAccept assigns the driver only while the ride is still searching. Zero
// rows means another driver or the customer got there first.
func (p *PostgresStore) TryAccept(ctx context.Context, rideID, driverID string) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET status='accepted', driver_id=$1, updated_at=NOW() WHERE id=$2 AND status='searching'`,
		driverID, rideID)
	if err != nil {
		return 0, fmt.Errorf("guarded accept: %w", err)
	}
	return res.RowsAffected()
}

// SetStatus advances the ride only from one of status's predecessors, so a
// late retry can never move a ride backwards.
func (p *PostgresStore) SetStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	from := make([]string, 0, 3)
	for _, s := range status.Predecessors() {
		from = append(from, string(s))
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`,
		string(status), rideID, pq.Array(from))
	if err != nil {
		return fmt.Errorf("update ride status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var current string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM rides WHERE id=$1`, rideID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrRideNotFound
	case err != nil:
		return fmt.Errorf("read ride status: %w", err)
	}
	return fmt.Errorf("%w: %s to %s", ErrStatusConflict, current, status)
}

func (p *PostgresStore) Settle(ctx context.Context, rideID, driverID string, lat, lon float64, isAuto bool) (models.Settlement, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT complete_ride($1, $2, $3, $4, $5)`, rideID, driverID, lat, lon, isAuto).Scan(&raw)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("complete_ride: %w", err)
	}
	var s models.Settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Settlement{}, fmt.Errorf("decode complete_ride result: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Cancel(ctx context.Context, rideID, driverID string) (models.CancelResult, error) {
	var raw []byte
	if err := p.db.QueryRowContext(ctx, `SELECT cancel_ride($1, $2)`, rideID, driverID).Scan(&raw); err != nil {
		return models.CancelResult{}, fmt.Errorf("cancel_ride: %w", err)
	}
	var c models.CancelResult
	if err := json.Unmarshal(raw, &c); err != nil {
		return models.CancelResult{}, fmt.Errorf("decode cancel_ride result: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) SetDriverOnline(ctx context.Context, driverID string, online bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET online=$1, updated_at=NOW() WHERE id=$2`, online, driverID)
	if err != nil {
		return fmt.Errorf("update driver online: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func (p *PostgresStore) RateCustomer(ctx context.Context, rideID, driverID string, stars int) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET customer_rating=$1, updated_at=NOW() WHERE id=$2 AND driver_id=$3 AND status='completed'`,
		stars, rideID, driverID)
	if err != nil {
		return fmt.Errorf("rate customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRideNotFound
	}
	return nil
}

const rideColumns = `id, kind, vehicle_class, price, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	batch, cash_upfront, status, COALESCE(driver_id, ''), customer_id, payment_method, created_at`

// ListSearching returns the rides a driver with the given filter could be
// offered, oldest first.
func (p *PostgresStore) ListSearching(ctx context.Context, filter feed.Eligibility) ([]models.RideCandidate, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides
		 WHERE status='searching' AND (kind='delivery' OR vehicle_class = ANY($1))
		 ORDER BY created_at`,
		pq.Array([]string{filter.VehicleClass}))
	if err != nil {
		return nil, fmt.Errorf("list searching rides: %w", err)
	}
	defer rows.Close()

	var out []models.RideCandidate
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRideFor returns the driver's in-flight ride, or nil when there is
// none.
func (p *PostgresStore) ActiveRideFor(ctx context.Context, driverID string) (*models.RideCandidate, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides
		 WHERE driver_id=$1 AND status IN ('accepted','arrived','in_progress')
		 ORDER BY updated_at DESC LIMIT 1`, driverID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	d := models.DriverProfile{DriverID: driverID}
	err := p.db.QueryRowContext(ctx,
		`SELECT vehicle_class, commission_debt, debt_ceiling, suspended, online FROM drivers WHERE id=$1`, driverID).
		Scan(&d.VehicleClass, &d.CommissionDebt, &d.DebtCeiling, &d.Suspended, &d.Online)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrDriverNotFound
	}
	if err != nil {
		return d, fmt.Errorf("query driver: %w", err)
	}
	return d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.RideCandidate, error) {
	var (
		r                     models.RideCandidate
		kind, status, payment string
		batch                 []byte
	)
	err := s.Scan(&r.ID, &kind, &r.VehicleClass, &r.Price,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&batch, &r.CashUpfront, &status, &r.DriverID, &r.CustomerID, &payment, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan ride: %w", err)
	}
	r.Kind = models.RideKind(kind)
	r.Status = models.RideStatus(status)
	r.PaymentMethod = models.PaymentMethod(payment)
	if len(batch) > 0 {
		if err := json.Unmarshal(batch, &r.Batch); err != nil {
			return r, fmt.Errorf("decode batch for ride %s: %w", r.ID, err)
		}
	}
	return r, nil
}
