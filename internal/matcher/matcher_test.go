package matcher

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/proximity-matching/internal/directory"
	"github.com/example/proximity-matching/internal/geo"
	"github.com/example/proximity-matching/internal/models"
)

var center = models.Location{Lat: 14.5772, Lon: 121.1434}

// north returns a point the given distance due north of center.
func north(meters float64) models.Location {
	return models.Location{Lat: center.Lat + meters/(geo.EarthRadiusMeters*math.Pi/180), Lon: center.Lon}
}

func setup(t *testing.T, ps ...models.Participant) *Finder {
	t.Helper()
	ctx := context.Background()
	g := geo.NewGrid(0.01, nil)
	d := directory.NewMemory()
	for _, p := range ps {
		require.NoError(t, g.Upsert(ctx, p.ID, p.Loc))
		require.NoError(t, d.Put(ctx, p))
	}
	return &Finder{Index: g, Directory: d, TopN: 10}
}

func TestFindOnlyWithinRadius(t *testing.T) {
	f := setup(t,
		models.Participant{ID: "near", Role: models.RoleTaskMaster, Name: "Plumber", Loc: north(50), Available: true},
		models.Participant{ID: "far", Role: models.RoleTaskMaster, Name: "Electrician", Loc: north(5000), Available: true},
	)
	got, err := f.Find(context.Background(), models.SearchRequest{ID: "s1", RequesterID: "u1", Role: models.RoleJobMaster, Origin: center, RadiusMeters: 3000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].ParticipantID)
	assert.Equal(t, "Plumber", got[0].Name)
	assert.InDelta(t, 50, got[0].DistanceMeters, 0.01)
}

func TestFindFiltersRoleAvailabilityAndSelf(t *testing.T) {
	f := setup(t,
		models.Participant{ID: "u1", Role: models.RoleTaskMaster, Loc: north(1), Available: true},
		models.Participant{ID: "same-role", Role: models.RoleJobMaster, Loc: north(10), Available: true},
		models.Participant{ID: "busy", Role: models.RoleTaskMaster, Loc: north(20), Available: false},
		models.Participant{ID: "ok", Role: models.RoleTaskMaster, Loc: north(30), Available: true},
	)
	got, err := f.Find(context.Background(), models.SearchRequest{RequesterID: "u1", Role: models.RoleJobMaster, Origin: center, RadiusMeters: 3000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ParticipantID)

	// a TaskMaster searches for JobMasters
	got, err = f.Find(context.Background(), models.SearchRequest{RequesterID: "u1", Role: models.RoleTaskMaster, Origin: center, RadiusMeters: 3000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "same-role", got[0].ParticipantID)
}

func TestFindSkipsDanglingIndexEntries(t *testing.T) {
	f := setup(t, models.Participant{ID: "ok", Role: models.RoleTaskMaster, Loc: north(30), Available: true})
	require.NoError(t, f.Index.Upsert(context.Background(), "ghost", north(40)))
	got, err := f.Find(context.Background(), models.SearchRequest{RequesterID: "u1", Role: models.RoleJobMaster, Origin: center, RadiusMeters: 3000})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestFindTopN(t *testing.T) {
	f := setup(t,
		models.Participant{ID: "a", Role: models.RoleTaskMaster, Loc: north(300), Available: true},
		models.Participant{ID: "b", Role: models.RoleTaskMaster, Loc: north(100), Available: true},
		models.Participant{ID: "c", Role: models.RoleTaskMaster, Loc: north(200), Available: true},
	)
	f.TopN = 2
	got, err := f.Find(context.Background(), models.SearchRequest{RequesterID: "u1", Role: models.RoleJobMaster, Origin: center, RadiusMeters: 3000})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ParticipantID)
	assert.Equal(t, "c", got[1].ParticipantID)
}

func TestFindHonoursCancellation(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Find(ctx, models.SearchRequest{RequesterID: "u1", Role: models.RoleJobMaster, Origin: center, RadiusMeters: 3000})
	assert.True(t, errors.Is(err, context.Canceled))
}
