package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/proximity-matching/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	removed  []string
	deleted  []string
	fields   map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.fields = values
	return nil
}

func (f *fakeUpdater) ZRem(ctx context.Context, key, member string) error {
	f.removed = append(f.removed, key+"/"+member)
	return nil
}

func (f *fakeUpdater) Del(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func upsertEvent() models.PresenceEvent {
	return models.PresenceEvent{
		Type: models.PresenceUpsert,
		Participant: models.Participant{
			ID: "p1", Role: models.RoleTaskMaster, Name: "Plumber",
			Loc: models.Location{Lat: 14.57, Lon: 121.14}, Available: true,
		},
	}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, "geo", upsertEvent(), 3, 10*time.Millisecond))
	assert.Equal(t, 2, f.geoCalls)
	assert.Equal(t, 2, f.hCalls)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, "TaskMaster", f.fields["role"])
	assert.Equal(t, "true", f.fields["available"])
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	err := applyWithRetry(context.Background(), f, "geo", upsertEvent(), 3, 5*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, f.geoCalls)
	assert.Equal(t, 0, f.hCalls)
}

func TestApplyWithRetry_Remove(t *testing.T) {
	f := &fakeUpdater{}
	ev := models.PresenceEvent{Type: models.PresenceRemove, Participant: models.Participant{ID: "p1"}}
	require.NoError(t, applyWithRetry(context.Background(), f, "geo", ev, 3, time.Millisecond))
	assert.Equal(t, []string{"geo/p1"}, f.removed)
	assert.Equal(t, []string{metaPrefix + "p1"}, f.deleted)
	assert.Equal(t, 0, f.geoCalls)
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyWithRetry(ctx, f, "geo", upsertEvent(), 5, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 1, f.geoCalls)
}
