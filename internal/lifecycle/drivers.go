package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/models"
)

// RegisterDriver upserts a driver keyed by phone. New drivers start
// offline; they come online through UpdateDriverStatus.
func (m *Manager) RegisterDriver(ctx context.Context, name, phone string, tier models.Tier) (*models.Driver, error) {
	if tier == "" {
		tier = models.TierStandard
	}
	d := &models.Driver{
		ID:        uuid.NewString(),
		Name:      name,
		Phone:     phone,
		Tier:      tier,
		Status:    models.DriverOffline,
		CreatedAt: time.Now().UTC(),
	}
	return m.store.UpsertDriver(ctx, d)
}

func (m *Manager) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return m.store.GetDriver(ctx, id)
}

// UpdateDriverStatus flips a driver between offline and available. on_trip
// is owned by the matching/trip machinery and cannot be set directly.
func (m *Manager) UpdateDriverStatus(ctx context.Context, id string, status models.DriverStatus) error {
	if status != models.DriverOffline && status != models.DriverAvailable {
		return &apperr.InvalidStateError{Op: "set driver status", State: string(status)}
	}
	return m.store.SetDriverStatus(ctx, id, status)
}

// UpdateDriverLocation writes the registry row and publishes the update to
// the location stream. High-frequency path: one row write, no locking.
func (m *Manager) UpdateDriverLocation(ctx context.Context, id string, lat, lng float64) (*models.Driver, error) {
	now := time.Now().UTC()
	d, err := m.store.UpdateDriverLocation(ctx, id, lat, lng, now)
	if err != nil {
		return nil, err
	}
	if m.publisher != nil {
		loc := models.DriverLocation{
			DriverID: d.ID, Lat: lat, Lng: lng,
			Tier: d.Tier, Status: d.Status, UpdatedAt: now,
		}
		if err := m.publisher.PublishLocation(loc); err != nil {
			m.logger.Warn("location publish failed", "driver_id", id, "error", err)
		}
	}
	return d, nil
}

// RegisterRider creates a rider profile.
func (m *Manager) RegisterRider(ctx context.Context, name, phone, email string) (*models.Rider, error) {
	r := &models.Rider{
		ID:        uuid.NewString(),
		Name:      name,
		Phone:     phone,
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateRider(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *Manager) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	return m.store.GetRider(ctx, id)
}
