package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/models"
)

// MemoryStore mirrors PostgresStore semantics behind one mutex. Used when no
// PG_DSN is configured and throughout the tests; a single lock gives the
// same linearizable-per-row behavior the SQL conditional updates provide.
type MemoryStore struct {
	mu       sync.Mutex
	drivers  map[string]*models.Driver
	riders   map[string]*models.Rider
	rides    map[string]*models.Ride
	trips    map[string]*models.Trip // keyed by ride id
	payments map[string][]*models.Payment
	idem     map[string]*idempotency.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:  make(map[string]*models.Driver),
		riders:   make(map[string]*models.Rider),
		rides:    make(map[string]*models.Ride),
		trips:    make(map[string]*models.Trip),
		payments: make(map[string][]*models.Payment),
		idem:     make(map[string]*idempotency.Record),
	}
}

// ---- drivers ----

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.drivers {
		if existing.Phone == d.Phone {
			existing.Name = d.Name
			cp := *existing
			return &cp, nil
		}
	}
	cp := *d
	m.drivers[d.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "driver", ID: id}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, lat, lng float64, at time.Time) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "driver", ID: id}
	}
	d.Lat, d.Lng = &lat, &lng
	d.LocatedAt = at
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) SetDriverStatus(_ context.Context, id string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return &apperr.NotFoundError{Entity: "driver", ID: id}
	}
	if d.Status == models.DriverOnTrip {
		return &apperr.ConflictError{Entity: "driver", ID: id, Reason: "on a trip"}
	}
	d.Status = status
	return nil
}

func (m *MemoryStore) CASDriverStatus(_ context.Context, id string, from, to models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok || d.Status != from {
		return &apperr.ConflictError{Entity: "driver", ID: id, Reason: fmt.Sprintf("expected status %s", from)}
	}
	d.Status = to
	return nil
}

func (m *MemoryStore) NearestAvailable(_ context.Context, pickup models.Coord, tier models.Tier, radiusKm float64, exclude []string) (*models.Driver, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var (
		best     *models.Driver
		bestDist float64
	)
	for _, d := range m.drivers {
		if d.Status != models.DriverAvailable || d.Tier != tier || d.Lat == nil || d.Lng == nil || skip[d.ID] {
			continue
		}
		dist := geo.HaversineKm(pickup.Lat, pickup.Lng, *d.Lat, *d.Lng)
		if dist >= radiusKm {
			continue
		}
		if best == nil || dist < bestDist {
			cp := *d
			best, bestDist = &cp, dist
		}
	}
	if best == nil {
		return nil, 0, &apperr.NotFoundError{Entity: "driver", ID: "nearest"}
	}
	return best, bestDist, nil
}

// ---- riders ----

func (m *MemoryStore) CreateRider(_ context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.riders[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRider(_ context.Context, id string) (*models.Rider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "rider", ID: id}
	}
	cp := *r
	return &cp, nil
}

// ---- rides ----

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "ride", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CASRideStatus(_ context.Context, id string, from, to models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != from {
		return &apperr.ConflictError{Entity: "ride", ID: id, Reason: fmt.Sprintf("expected status %s", from)}
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReserveDriver(_ context.Context, rideID, driverID string, surge float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || d.Status != models.DriverAvailable {
		return &apperr.ConflictError{Entity: "driver", ID: driverID, Reason: "no longer available"}
	}
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.RideSearching {
		return &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "no longer searching"}
	}
	d.Status = models.DriverOnTrip
	r.DriverID = driverID
	r.Status = models.RideMatched
	r.SurgeMultiplier = surge
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RevertMatch(_ context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.RideMatched || r.DriverID != driverID {
		return &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "not matched to driver"}
	}
	r.DriverID = ""
	r.Status = models.RideSearching
	r.UpdatedAt = time.Now()
	if d, ok := m.drivers[driverID]; ok && d.Status == models.DriverOnTrip {
		d.Status = models.DriverAvailable
	}
	return nil
}

func (m *MemoryStore) CancelRide(_ context.Context, rideID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return "", &apperr.NotFoundError{Entity: "ride", ID: rideID}
	}
	if r.Status.Terminal() {
		return "", &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "already terminal"}
	}
	r.Status = models.RideCancelled
	r.UpdatedAt = time.Now()
	released := ""
	if r.DriverID != "" {
		if d, ok := m.drivers[r.DriverID]; ok && d.Status == models.DriverOnTrip {
			d.Status = models.DriverAvailable
			released = d.ID
		}
	}
	return released, nil
}

// ---- trips ----

func (m *MemoryStore) StartTrip(_ context.Context, trip *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[trip.RideID]
	if !ok || r.Status != models.RideAccepted {
		return &apperr.ConflictError{Entity: "ride", ID: trip.RideID, Reason: "expected status accepted"}
	}
	r.Status = models.RideInProgress
	r.UpdatedAt = time.Now()
	cp := *trip
	m.trips[trip.RideID] = &cp
	return nil
}

func (m *MemoryStore) PauseTrip(_ context.Context, rideID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.RideInProgress {
		return &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "expected status in_progress"}
	}
	r.Status = models.RidePaused
	r.UpdatedAt = time.Now()
	if t, ok := m.trips[rideID]; ok && t.EndedAt == nil {
		t.PausedAt = &at
	}
	return nil
}

func (m *MemoryStore) ResumeTrip(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.RidePaused {
		return &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "expected status paused"}
	}
	r.Status = models.RideInProgress
	r.UpdatedAt = time.Now()
	if t, ok := m.trips[rideID]; ok && t.EndedAt == nil {
		t.PausedAt = nil
	}
	return nil
}

func (m *MemoryStore) EndTrip(_ context.Context, rideID string, distanceKm, durationMin, fare float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || (r.Status != models.RideInProgress && r.Status != models.RidePaused) {
		return &apperr.ConflictError{Entity: "ride", ID: rideID, Reason: "expected status in_progress or paused"}
	}
	r.Status = models.RideCompleted
	f := fare
	r.FinalFare = &f
	r.UpdatedAt = time.Now()
	if t, ok := m.trips[rideID]; ok && t.EndedAt == nil {
		end := at
		t.EndedAt = &end
		t.PausedAt = nil
		t.DistanceKm = distanceKm
		t.DurationMin = durationMin
		t.Fare = fare
	}
	if r.DriverID != "" {
		if d, ok := m.drivers[r.DriverID]; ok && d.Status == models.DriverOnTrip {
			d.Status = models.DriverAvailable
		}
	}
	return nil
}

func (m *MemoryStore) GetTripByRide(_ context.Context, rideID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[rideID]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "trip", ID: rideID}
	}
	cp := *t
	return &cp, nil
}

// ---- payments ----

func (m *MemoryStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.RideID] = append(m.payments[p.RideID], &cp)
	return nil
}

func (m *MemoryStore) GetPaymentByRide(_ context.Context, rideID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.payments[rideID]
	if len(list) == 0 {
		return nil, &apperr.NotFoundError{Entity: "payment", ID: rideID}
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (m *MemoryStore) findPayment(id string) *models.Payment {
	for _, list := range m.payments {
		for _, p := range list {
			if p.ID == id {
				return p
			}
		}
	}
	return nil
}

func (m *MemoryStore) CASPaymentStatus(_ context.Context, id string, from, to models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPayment(id)
	if p == nil || p.Status != from {
		return &apperr.ConflictError{Entity: "payment", ID: id, Reason: fmt.Sprintf("expected status %s", from)}
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FinishPayment(_ context.Context, id string, status models.PaymentStatus, pspRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPayment(id)
	if p == nil || (p.Status != models.PaymentPending && p.Status != models.PaymentProcessing) {
		return &apperr.ConflictError{Entity: "payment", ID: id, Reason: "already settled"}
	}
	p.Status = status
	p.PSPRef = pspRef
	p.UpdatedAt = time.Now()
	return nil
}

// ---- idempotency keys ----

func idemMemKey(scope, key string) string { return scope + "\x00" + key }

func (m *MemoryStore) BeginKey(_ context.Context, scope, key string) (*idempotency.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idem[idemMemKey(scope, key)]; ok {
		cp := *rec
		return &cp, false, nil
	}
	rec := &idempotency.Record{Scope: scope, Key: key, CreatedAt: time.Now()}
	m.idem[idemMemKey(scope, key)] = rec
	cp := *rec
	return &cp, true, nil
}

func (m *MemoryStore) CompleteKey(_ context.Context, scope, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idem[idemMemKey(scope, key)]; ok {
		rec.Response = response
	}
	return nil
}

func (m *MemoryStore) AbortKey(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idem[idemMemKey(scope, key)]; ok && rec.Response == nil {
		delete(m.idem, idemMemKey(scope, key))
	}
	return nil
}

func (m *MemoryStore) GetKey(_ context.Context, scope, key string) (*idempotency.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[idemMemKey(scope, key)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
