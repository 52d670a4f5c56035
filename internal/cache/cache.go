// Package cache holds the short-TTL Redis read caches for the polling
// endpoints. All methods tolerate a nil receiver or nil client so that
// callers never branch on whether Redis is configured.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-hailing/internal/models"
)

type Rides struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRides(client *redis.Client, ttl time.Duration) *Rides {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Rides{Client: client, TTL: ttl}
}

func rideKey(id string) string { return "ride:" + id }

func (c *Rides) Get(ctx context.Context, id string) (*models.Ride, bool) {
	if c == nil || c.Client == nil {
		return nil, false
	}
	b, err := c.Client.Get(ctx, rideKey(id)).Bytes()
	if err != nil {
		return nil, false
	}
	var r models.Ride
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func (c *Rides) Set(ctx context.Context, r *models.Ride) {
	if c == nil || c.Client == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.Client.Set(ctx, rideKey(r.ID), b, c.TTL).Err()
}

func (c *Rides) Invalidate(ctx context.Context, id string) {
	if c == nil || c.Client == nil {
		return
	}
	_ = c.Client.Del(ctx, rideKey(id)).Err()
}

type Payments struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewPayments(client *redis.Client, ttl time.Duration) *Payments {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Payments{Client: client, TTL: ttl}
}

func paymentKey(rideID string) string { return "payment:" + rideID }

func (c *Payments) Get(ctx context.Context, rideID string) (*models.Payment, bool) {
	if c == nil || c.Client == nil {
		return nil, false
	}
	b, err := c.Client.Get(ctx, paymentKey(rideID)).Bytes()
	if err != nil {
		return nil, false
	}
	var p models.Payment
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (c *Payments) Set(ctx context.Context, p *models.Payment) {
	if c == nil || c.Client == nil {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = c.Client.Set(ctx, paymentKey(p.RideID), b, c.TTL).Err()
}

func (c *Payments) Invalidate(ctx context.Context, rideID string) {
	if c == nil || c.Client == nil {
		return
	}
	_ = c.Client.Del(ctx, paymentKey(rideID)).Err()
}
