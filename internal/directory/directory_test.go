package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/proximity-matching/internal/models"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	d := NewMemory()
	p := models.Participant{ID: "w1", Role: models.RoleTaskMaster, Name: "Plumber", Available: true}
	require.NoError(t, d.Put(ctx, p))

	got, ok, err := d.Get(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	many, err := d.GetMany(ctx, []string{"w1", "missing"})
	require.NoError(t, err)
	assert.Len(t, many, 1)

	require.NoError(t, d.Delete(ctx, "w1"))
	_, ok, _ = d.Get(ctx, "w1")
	assert.False(t, ok)
}

func TestRedisFieldsRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 123, time.UTC)
	p := models.Participant{
		ID: "w2", Role: models.RoleJobMaster, Name: "Baker",
		Loc:       models.Location{Lat: 14.571113864083832, Lon: 121.13559753728642},
		Available: true, AvailableSince: now, Updated: now,
	}
	m := map[string]string{}
	for k, v := range Fields(p) {
		m[k] = v.(string)
	}
	got, err := parse("w2", m)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestRedisParseRejectsGarbage(t *testing.T) {
	_, err := parse("x", map[string]string{"lat": "north", "lon": "1"})
	assert.Error(t, err)
}
