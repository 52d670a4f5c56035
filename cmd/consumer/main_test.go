package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-hailing/internal/models"
)

type fakeSink struct {
	failures int
	keys     []string
	values   [][]byte
	ttls     []time.Duration
}

func (f *fakeSink) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transient redis error")
	}
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	f.ttls = append(f.ttls, ttl)
	return nil
}

func TestStoreLocation(t *testing.T) {
	sink := &fakeSink{}
	loc := models.DriverLocation{
		DriverID: "driver-1", Lat: 12.97, Lng: 77.59,
		Tier: models.TierStandard, Status: models.DriverAvailable,
	}

	require.NoError(t, storeLocation(context.Background(), sink, loc))
	require.Len(t, sink.keys, 1)
	assert.Equal(t, "driver:loc:driver-1", sink.keys[0])
	assert.Equal(t, locationTTL, sink.ttls[0])

	var got models.DriverLocation
	require.NoError(t, json.Unmarshal(sink.values[0], &got))
	assert.Equal(t, loc, got)
}

func TestStoreLocationRetriesTransientErrors(t *testing.T) {
	sink := &fakeSink{failures: 2}
	loc := models.DriverLocation{DriverID: "driver-1", Lat: 12.97, Lng: 77.59}

	require.NoError(t, storeLocation(context.Background(), sink, loc))
	assert.Len(t, sink.keys, 1)
}

func TestStoreLocationGivesUpAfterRetries(t *testing.T) {
	sink := &fakeSink{failures: 10}
	loc := models.DriverLocation{DriverID: "driver-1"}

	err := storeLocation(context.Background(), sink, loc)
	require.Error(t, err)
	assert.Empty(t, sink.keys)
}
