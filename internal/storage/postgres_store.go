package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/models"
)

// PostgresStore implements Store on database/sql + lib/pq. Single-row
// conditional updates (RowsAffected check) are the concurrency guard;
// multi-row operations run in one transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ---- drivers ----

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO drivers (id, name, phone, tier, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, phone, tier, status, lat, lng, located_at, created_at`,
		d.ID, d.Name, d.Phone, d.Tier, d.Status, d.CreatedAt)
	return scanDriver(row)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, phone, tier, status, lat, lng, located_at, created_at
		FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "driver", ID: id}
	}
	return d, err
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, lat, lng float64, at time.Time) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE drivers SET lat = $1, lng = $2, located_at = $3
		WHERE id = $4
		RETURNING id, name, phone, tier, status, lat, lng, located_at, created_at`,
		lat, lng, at, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "driver", ID: id}
	}
	return d, err
}

// SetDriverStatus flips a driver between offline and available. A driver
// currently on a trip is only released by the trip/ride machinery, so the
// update refuses to overwrite on_trip.
func (p *PostgresStore) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET status = $1 WHERE id = $2 AND status <> 'on_trip'`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetDriver(ctx, id); err != nil {
			return err
		}
		return &apperr.ConflictError{Entity: "driver", ID: id, Reason: "on a trip"}
	}
	return nil
}

func (p *PostgresStore) CASDriverStatus(ctx context.Context, id string, from, to models.DriverStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return err
	}
	return noneAffected(res, &apperr.ConflictError{
		Entity: "driver", ID: id, Reason: fmt.Sprintf("expected status %s", from),
	})
}

func (p *PostgresStore) NearestAvailable(ctx context.Context, pickup models.Coord, tier models.Tier, radiusKm float64, exclude []string) (*models.Driver, float64, error) {
	if exclude == nil {
		exclude = []string{}
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, phone, tier, status, lat, lng, located_at, created_at,
		       (6371 * acos(
		           least(1.0,
		               cos(radians($1)) * cos(radians(lat)) *
		               cos(radians(lng) - radians($2)) +
		               sin(radians($1)) * sin(radians(lat))
		           )
		       )) AS distance_km
		FROM drivers
		WHERE status = 'available'
		  AND tier = $3
		  AND lat IS NOT NULL
		  AND lng IS NOT NULL
		  AND NOT (id = ANY($4))
		  AND (6371 * acos(
		          least(1.0,
		              cos(radians($1)) * cos(radians(lat)) *
		              cos(radians(lng) - radians($2)) +
		              sin(radians($1)) * sin(radians(lat))
		          )
		      )) < $5
		ORDER BY distance_km ASC
		LIMIT 1`,
		pickup.Lat, pickup.Lng, tier, pq.Array(exclude), radiusKm)

	var (
		d       models.Driver
		lat     sql.NullFloat64
		lng     sql.NullFloat64
		located sql.NullTime
		dist    float64
	)
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Tier, &d.Status, &lat, &lng, &located, &d.CreatedAt, &dist)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, &apperr.NotFoundError{Entity: "driver", ID: "nearest"}
	}
	if err != nil {
		return nil, 0, err
	}
	applyNullables(&d, lat, lng, located)
	return &d, dist, nil
}

// ---- riders ----

func (p *PostgresStore) CreateRider(ctx context.Context, r *models.Rider) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO riders (id, name, phone, email, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Name, r.Phone, r.Email, r.CreatedAt)
	return err
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, phone, email, created_at FROM riders WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Phone, &r.Email, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "rider", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ---- rides ----

const rideCols = `id, rider_id, driver_id, pickup_lat, pickup_lng, dest_lat, dest_lng,
	tier, payment_method, status, surge_multiplier, estimated_fare, final_fare,
	idempotency_key, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng,
		                   tier, payment_method, status, surge_multiplier, estimated_fare,
		                   idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),$13,$14)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Destination.Lat, r.Destination.Lng,
		r.Tier, r.PaymentMethod, r.Status, r.SurgeMultiplier, r.EstimatedFare,
		r.IdempotencyKey, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "ride", ID: id}
	}
	return r, err
}

func (p *PostgresStore) CASRideStatus(ctx context.Context, id string, from, to models.RideStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return err
	}
	return noneAffected(res, &apperr.ConflictError{
		Entity: "ride", ID: id, Reason: fmt.Sprintf("expected status %s", from),
	})
}

func (p *PostgresStore) ReserveDriver(ctx context.Context, rideID, driverID string, surge float64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE drivers SET status = 'on_trip' WHERE id = $1 AND status = 'available'`, driverID)
	if err != nil {
		return err
	}
	if err := noneAffected(res, &apperr.ConflictError{
		Entity: "driver", ID: driverID, Reason: "no longer available",
	}); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE rides SET driver_id = $1, status = 'matched', surge_multiplier = $2, updated_at = now()
		WHERE id = $3 AND status = 'searching'`, driverID, surge, rideID)
	if err != nil {
		return err
	}
	if err := noneAffected(res, &apperr.ConflictError{
		Entity: "ride", ID: rideID, Reason: "no longer searching",
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) RevertMatch(ctx context.Context, rideID, driverID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET driver_id = NULL, status = 'searching', updated_at = now()
		WHERE id = $1 AND driver_id = $2 AND status = 'matched'`, rideID, driverID)
	if err != nil {
		return err
	}
	if err := noneAffected(res, &apperr.ConflictError{
		Entity: "ride", ID: rideID, Reason: "not matched to driver",
	}); err != nil {
		return err
	}

	// Best effort: the driver may already have gone offline.
	if _, err := tx.ExecContext(ctx, `
		UPDATE drivers SET status = 'available' WHERE id = $1 AND status = 'on_trip'`, driverID); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID string) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var driverID sql.NullString
	err = tx.QueryRowContext(ctx, `
		UPDATE rides SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')
		RETURNING driver_id`, rideID).Scan(&driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "already terminal"}
	}
	if err != nil {
		return "", err
	}

	released := ""
	if driverID.Valid {
		res, err := tx.ExecContext(ctx, `
			UPDATE drivers SET status = 'available' WHERE id = $1 AND status = 'on_trip'`, driverID.String)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			released = driverID.String
		}
	}

	return released, tx.Commit()
}

// ---- trips ----

func (p *PostgresStore) StartTrip(ctx context.Context, trip *models.Trip) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = 'in_progress', updated_at = now()
		WHERE id = $1 AND status = 'accepted'`, trip.RideID)
	if err != nil {
		return err
	}
	if err := noneAffected(res, &apperr.ConflictError{
		Entity: "ride", ID: trip.RideID, Reason: "expected status accepted",
	}); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trips (id, ride_id, started_at, distance_km, duration_minutes, fare)
		VALUES ($1, $2, $3, 0, 0, 0)`, trip.ID, trip.RideID, trip.StartedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) PauseTrip(ctx context.Context, rideID string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = 'paused', updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`, rideID)
	if err != nil {
		return err
	}
	if err := noneAffected(res, &apperr.ConflictError{
		Entity: "ride", ID: rideID, Reason: "expected status in_progress",
	}); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trips SET paused_at = $1 WHERE ride_id = $2 AND ended_at IS NULL`, at, rideID); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) ResumeTrip(ctx context.Context, rideID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = 'in_progress', updated_at = now()
		WHERE id = $1 AND status = 'paused'`, rideID)
	if err != nil {
		return err
	}
	if err := noneAffected(res, &apperr.ConflictError{
		Entity: "ride", ID: rideID, Reason: "expected status paused",
	}); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trips SET paused_at = NULL WHERE ride_id = $1 AND ended_at IS NULL`, rideID); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) EndTrip(ctx context.Context, rideID string, distanceKm, durationMin, fare float64, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var driverID sql.NullString
	err = tx.QueryRowContext(ctx, `
		UPDATE rides SET status = 'completed', final_fare = $1, updated_at = now()
		WHERE id = $2 AND status IN ('in_progress', 'paused')
		RETURNING driver_id`, fare, rideID).Scan(&driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "expected status in_progress or paused"}
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trips SET ended_at = $1, paused_at = NULL, distance_km = $2, duration_minutes = $3, fare = $4
		WHERE ride_id = $5 AND ended_at IS NULL`, at, distanceKm, durationMin, fare, rideID); err != nil {
		return err
	}

	if driverID.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE drivers SET status = 'available' WHERE id = $1 AND status = 'on_trip'`, driverID.String); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetTripByRide(ctx context.Context, rideID string) (*models.Trip, error) {
	var (
		t      models.Trip
		paused sql.NullTime
		ended  sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, ride_id, started_at, paused_at, ended_at, distance_km, duration_minutes, fare
		FROM trips WHERE ride_id = $1`, rideID).
		Scan(&t.ID, &t.RideID, &t.StartedAt, &paused, &ended, &t.DistanceKm, &t.DurationMin, &t.Fare)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "trip", ID: rideID}
	}
	if err != nil {
		return nil, err
	}
	if paused.Valid {
		t.PausedAt = &paused.Time
	}
	if ended.Valid {
		t.EndedAt = &ended.Time
	}
	return &t, nil
}

// ---- payments ----

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *models.Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, ride_id, rider_id, amount, method, status, psp_ref,
		                      idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10)`,
		pay.ID, pay.RideID, pay.RiderID, pay.Amount, pay.Method, pay.Status, pay.PSPRef,
		pay.IdempotencyKey, pay.CreatedAt, pay.UpdatedAt)
	return err
}

func (p *PostgresStore) GetPaymentByRide(ctx context.Context, rideID string) (*models.Payment, error) {
	var (
		pay  models.Payment
		ref  sql.NullString
		idem sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, ride_id, rider_id, amount, method, status, psp_ref, idempotency_key, created_at, updated_at
		FROM payments WHERE ride_id = $1
		ORDER BY created_at DESC LIMIT 1`, rideID).
		Scan(&pay.ID, &pay.RideID, &pay.RiderID, &pay.Amount, &pay.Method, &pay.Status,
			&ref, &idem, &pay.CreatedAt, &pay.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "payment", ID: rideID}
	}
	if err != nil {
		return nil, err
	}
	pay.PSPRef = ref.String
	pay.IdempotencyKey = idem.String
	return &pay, nil
}

func (p *PostgresStore) CASPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return err
	}
	return noneAffected(res, &apperr.ConflictError{
		Entity: "payment", ID: id, Reason: fmt.Sprintf("expected status %s", from),
	})
}

func (p *PostgresStore) FinishPayment(ctx context.Context, id string, status models.PaymentStatus, pspRef string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, psp_ref = NULLIF($2, ''), updated_at = now()
		WHERE id = $3 AND status IN ('pending', 'processing')`, status, pspRef, id)
	if err != nil {
		return err
	}
	return noneAffected(res, &apperr.ConflictError{Entity: "payment", ID: id, Reason: "already settled"})
}

// ---- idempotency keys ----

func (p *PostgresStore) BeginKey(ctx context.Context, scope, key string) (*idempotency.Record, bool, error) {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, key, created_at) VALUES ($1, $2, $3)`, scope, key, now)
	if err == nil {
		return &idempotency.Record{Scope: scope, Key: key, CreatedAt: now}, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}
	rec, err := p.GetKey(ctx, scope, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		// Holder aborted between our insert attempt and the read.
		return nil, false, &apperr.DuplicateRequestError{Key: key}
	}
	return rec, false, nil
}

func (p *PostgresStore) CompleteKey(ctx context.Context, scope, key string, response []byte) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET response = $1 WHERE scope = $2 AND key = $3`, response, scope, key)
	return err
}

func (p *PostgresStore) AbortKey(ctx context.Context, scope, key string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE scope = $1 AND key = $2 AND response IS NULL`, scope, key)
	return err
}

func (p *PostgresStore) GetKey(ctx context.Context, scope, key string) (*idempotency.Record, error) {
	rec := &idempotency.Record{Scope: scope, Key: key}
	var resp []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT response, created_at FROM idempotency_keys WHERE scope = $1 AND key = $2`, scope, key).
		Scan(&resp, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Response = resp
	return rec, nil
}

// ---- scan helpers ----

func scanDriver(row *sql.Row) (*models.Driver, error) {
	var (
		d       models.Driver
		lat     sql.NullFloat64
		lng     sql.NullFloat64
		located sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Tier, &d.Status, &lat, &lng, &located, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	applyNullables(&d, lat, lng, located)
	return &d, nil
}

func applyNullables(d *models.Driver, lat, lng sql.NullFloat64, located sql.NullTime) {
	if lat.Valid {
		d.Lat = &lat.Float64
	}
	if lng.Valid {
		d.Lng = &lng.Float64
	}
	if located.Valid {
		d.LocatedAt = located.Time
	}
}

func scanRide(row *sql.Row) (*models.Ride, error) {
	var (
		r         models.Ride
		driverID  sql.NullString
		finalFare sql.NullFloat64
		idemKey   sql.NullString
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&r.Tier, &r.PaymentMethod, &r.Status, &r.SurgeMultiplier, &r.EstimatedFare,
		&finalFare, &idemKey, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.IdempotencyKey = idemKey.String
	if finalFare.Valid {
		r.FinalFare = &finalFare.Float64
	}
	return &r, nil
}

func noneAffected(res sql.Result, fallback error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fallback
	}
	return nil
}
