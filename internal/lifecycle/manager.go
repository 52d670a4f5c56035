// Package lifecycle owns the ride and trip state machines and orchestrates
// matching, trip events and fare finalization. Request handlers call in;
// matching runs on a background worker pool so ride creation returns as
// soon as the requested state is durable.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/cache"
	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/match"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/pricing"
	"github.com/example/ride-hailing/internal/storage"
)

// LocationPublisher is the optional location event stream (Kafka in
// production).
type LocationPublisher interface {
	PublishLocation(loc models.DriverLocation) error
}

type Config struct {
	AcceptTimeout time.Duration // driver accept window, default 30s
	MatchWorkers  int           // default 4
	QueueSize     int           // default 128
}

type Manager struct {
	store     storage.Store
	pricing   *pricing.Engine
	engine    *match.Engine
	idem      *idempotency.Executor
	rides     *cache.Rides
	publisher LocationPublisher
	logger    *slog.Logger

	acceptTimeout time.Duration

	jobs    chan string
	workers int
	wg      sync.WaitGroup

	mu       sync.Mutex
	excluded map[string][]string // ride id -> drivers skipped on re-match
	timers   map[string]*time.Timer
	closed   bool
}

func NewManager(store storage.Store, pe *pricing.Engine, me *match.Engine, idem *idempotency.Executor, rides *cache.Rides, pub LocationPublisher, logger *slog.Logger, cfg Config) *Manager {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 30 * time.Second
	}
	if cfg.MatchWorkers <= 0 {
		cfg.MatchWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return &Manager{
		store:         store,
		pricing:       pe,
		engine:        me,
		idem:          idem,
		rides:         rides,
		publisher:     pub,
		logger:        logger,
		acceptTimeout: cfg.AcceptTimeout,
		jobs:          make(chan string, cfg.QueueSize),
		workers:       cfg.MatchWorkers,
		excluded:      make(map[string][]string),
		timers:        make(map[string]*time.Timer),
	}
}

// Start launches the matching workers.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for rideID := range m.jobs {
				m.runMatch(rideID)
			}
		}()
	}
}

// Stop drains the queue and stops all accept-timeout timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	close(m.jobs)
	m.wg.Wait()
}

// CreateRide persists a requested ride and hands it to background matching.
// The returned payload is exactly what a replay with the same idempotency
// key will receive.
func (m *Manager) CreateRide(ctx context.Context, req models.RideRequest) (json.RawMessage, error) {
	if req.Tier == "" {
		req.Tier = models.TierStandard
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.MethodCard
	}

	return m.idem.Do(ctx, "ride", req.IdempotencyKey, func(ctx context.Context) (any, error) {
		count, err := m.pricing.RecordDemand(ctx, req.Pickup)
		if err != nil {
			m.logger.Warn("demand increment failed", "error", err)
		}
		provisional := pricing.SurgeForCount(count)
		estimate := pricing.EstimateFare(req.Tier, req.Pickup, req.Destination, provisional)

		now := time.Now().UTC()
		ride := &models.Ride{
			ID:             uuid.NewString(),
			RiderID:        req.RiderID,
			Pickup:         req.Pickup,
			Destination:    req.Destination,
			Tier:           req.Tier,
			PaymentMethod:  req.PaymentMethod,
			Status:         models.RideRequested,
			EstimatedFare:  estimate,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := m.store.CreateRide(ctx, ride); err != nil {
			return nil, err
		}
		observability.RidesCreatedTotal.Inc()
		m.enqueueMatch(ride.ID)
		return ride, nil
	})
}

// GetRide is the polling read path: short-TTL cache in front of the store.
func (m *Manager) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	if r, ok := m.rides.Get(ctx, rideID); ok {
		return r, nil
	}
	r, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	m.rides.Set(ctx, r)
	return r, nil
}

// CancelRide moves any non-terminal ride to cancelled, releasing a reserved
// driver if one exists.
func (m *Manager) CancelRide(ctx context.Context, rideID string) error {
	released, err := m.store.CancelRide(ctx, rideID)
	if err != nil {
		return err
	}
	m.clearRideState(rideID)
	m.rides.Invalidate(ctx, rideID)
	m.logger.Info("ride cancelled", "ride_id", rideID, "released_driver", released)
	return nil
}

// AcceptRide confirms a match: matched -> accepted, scoped to the driver
// the match reserved.
func (m *Manager) AcceptRide(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, &apperr.NotFoundError{Entity: "ride", ID: rideID}
	}
	if err := m.store.CASRideStatus(ctx, rideID, models.RideMatched, models.RideAccepted); err != nil {
		return nil, m.stateError(ctx, "accept ride", rideID, err)
	}
	m.clearRideState(rideID)
	m.rides.Invalidate(ctx, rideID)
	return m.store.GetRide(ctx, rideID)
}

// enqueueMatch hands a ride to the worker pool without blocking the caller.
func (m *Manager) enqueueMatch(rideID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	select {
	case m.jobs <- rideID:
	default:
		// Queue full; match inline on a fresh goroutine rather than drop.
		go m.runMatch(rideID)
	}
}

func (m *Manager) runMatch(rideID string) {
	ctx := context.Background()
	exclude := m.excludedFor(rideID)
	driverID, err := m.engine.Run(ctx, rideID, exclude)
	m.rides.Invalidate(ctx, rideID)
	if err != nil {
		var noCand *apperr.NoCandidateError
		if errors.As(err, &noCand) {
			m.clearRideState(rideID)
			m.logger.Info("ride cancelled: no drivers available", "ride_id", rideID, "radius_km", noCand.RadiusKm)
			return
		}
		m.logger.Error("match failed", "ride_id", rideID, "error", err)
		return
	}
	if driverID == "" {
		m.clearRideState(rideID)
		return
	}
	m.scheduleAcceptTimeout(rideID, driverID)
}

// scheduleAcceptTimeout arms the driver accept window for a fresh match.
func (m *Manager) scheduleAcceptTimeout(rideID, driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[rideID]; ok {
		t.Stop()
	}
	m.timers[rideID] = time.AfterFunc(m.acceptTimeout, func() {
		m.handleAcceptTimeout(rideID, driverID)
	})
}

// handleAcceptTimeout reverts an unaccepted match and requeues the ride
// with the silent driver excluded from the next candidate set.
func (m *Manager) handleAcceptTimeout(rideID, driverID string) {
	ctx := context.Background()
	if err := m.store.RevertMatch(ctx, rideID, driverID); err != nil {
		// Accepted or cancelled in the meantime.
		return
	}
	observability.AcceptTimeouts.Inc()
	m.rides.Invalidate(ctx, rideID)
	m.logger.Info("accept window expired, re-matching", "ride_id", rideID, "driver_id", driverID)

	m.mu.Lock()
	m.excluded[rideID] = append(m.excluded[rideID], driverID)
	delete(m.timers, rideID)
	m.mu.Unlock()

	m.enqueueMatch(rideID)
}

func (m *Manager) excludedFor(rideID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.excluded[rideID]...)
}

func (m *Manager) clearRideState(rideID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[rideID]; ok {
		t.Stop()
		delete(m.timers, rideID)
	}
	delete(m.excluded, rideID)
}

// stateError turns a CAS conflict into the caller-facing InvalidStateError
// carrying the ride's actual state after a re-read.
func (m *Manager) stateError(ctx context.Context, op, rideID string, err error) error {
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	ride, readErr := m.store.GetRide(ctx, rideID)
	if readErr != nil {
		return readErr
	}
	return &apperr.InvalidStateError{Op: op, State: string(ride.Status)}
}
