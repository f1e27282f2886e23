package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/proximity-matching/internal/apperr"
	"github.com/example/proximity-matching/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetricAndReflexive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		a := randomLocation(rng)
		b := randomLocation(rng)
		assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-6)
		assert.Equal(t, 0.0, Distance(a, a))
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude
	assert.InDelta(t, metersPerDegree, Haversine(10, 20, 11, 20), 1e-6)
	// antipodes
	assert.InDelta(t, math.Pi*EarthRadiusMeters, Haversine(0, 0, 0, 180), 1e-6)
}

func TestGridUpsertRejectsInvalidLocation(t *testing.T) {
	g := NewGrid(0.05, nil)
	for _, loc := range []models.Location{{Lat: 91}, {Lat: -90.5}, {Lon: 180.1}, {Lon: -181}, {Lat: math.NaN()}} {
		err := g.Upsert(context.Background(), "p", loc)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidLocation), "loc=%v err=%v", loc, err)
	}
	assert.Equal(t, 0, g.Len())
}

func TestGridQueryRejectsInvalidCenter(t *testing.T) {
	g := NewGrid(0.05, nil)
	_, err := g.QueryRadius(context.Background(), models.Location{Lat: 100}, 10)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidLocation))
	_, err = g.QueryRadius(context.Background(), models.Location{}, -1)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
}

func TestGridMoveAndRemove(t *testing.T) {
	ctx := context.Background()
	g := NewGrid(0.01, nil)
	manila := models.Location{Lat: 14.5772, Lon: 121.1434}
	require.NoError(t, g.Upsert(ctx, "w1", manila))

	got, err := g.QueryRadius(ctx, manila, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, ids(got))

	// move far away: the old cell must no longer report it
	require.NoError(t, g.Upsert(ctx, "w1", models.Location{Lat: 40, Lon: -74}))
	got, err = g.QueryRadius(ctx, manila, 100)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, g.Remove(ctx, "w1"))
	require.NoError(t, g.Remove(ctx, "unknown"))
	got, err = g.QueryRadius(ctx, models.Location{Lat: 40, Lon: -74}, 1000)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, g.cells)
}

func TestGridQueryMatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	for _, cellSize := range []float64{0.01, 0.05, 1, 7} {
		t.Run(fmt.Sprintf("cell=%v", cellSize), func(t *testing.T) {
			g := NewGrid(cellSize, nil)
			all := map[string]models.Location{}
			for i := 0; i < 1500; i++ {
				var loc models.Location
				switch i % 4 {
				case 0:
					loc = randomLocation(rng)
				case 1: // dense around Manila
					loc = models.Location{Lat: 14.5772 + rng.Float64()*0.2 - 0.1, Lon: 121.1434 + rng.Float64()*0.2 - 0.1}
				case 2: // straddling the antimeridian
					loc = models.Location{Lat: rng.Float64()*20 - 10, Lon: wrapLon(180 + rng.Float64()*2 - 1)}
				default: // near the poles
					loc = models.Location{Lat: math.Copysign(88+rng.Float64()*2, rng.Float64()-0.5), Lon: rng.Float64()*360 - 180}
				}
				id := fmt.Sprintf("p%d", i)
				require.NoError(t, g.Upsert(ctx, id, loc))
				all[id] = loc
			}
			centers := []models.Location{
				{Lat: 14.5772, Lon: 121.1434},
				{Lat: 0, Lon: 179.99},
				{Lat: 3, Lon: -179.95},
				{Lat: 89.5, Lon: 10},
				{Lat: -89.9, Lon: -120},
				{Lat: 90, Lon: 0},
			}
			for i := 0; i < 30; i++ {
				centers = append(centers, randomLocation(rng))
			}
			radii := []float64{0, 50, 3000, 25000, 150000, 2e6, 3e7}
			for _, c := range centers {
				for _, r := range radii {
					got, err := g.QueryRadius(ctx, c, r)
					require.NoError(t, err)
					assert.Equal(t, bruteForce(all, c, r), ids(got), "center=%v radius=%v", c, r)
				}
			}
		})
	}
}

func TestGridSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	g := NewGrid(0.05, nil)
	center := models.Location{Lat: 1, Lon: 1}
	require.NoError(t, g.Upsert(ctx, "ok", center))

	// simulate a corrupt entry and a dangling cell member
	c := g.cellOf(center)
	g.entries["bad"] = models.Location{Lat: math.NaN(), Lon: 1}
	g.cells[c]["bad"] = struct{}{}
	g.cells[c]["ghost"] = struct{}{}

	got, err := g.QueryRadius(ctx, center, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids(got))
}

func TestGridConcurrentUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	g := NewGrid(0.01, nil)
	center := models.Location{Lat: 14.5772, Lon: 121.1434}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 500; i++ {
				id := fmt.Sprintf("w%d-%d", w, i%20)
				loc := models.Location{Lat: center.Lat + rng.Float64()*0.05, Lon: center.Lon + rng.Float64()*0.05}
				if i%7 == 0 {
					_ = g.Remove(ctx, id)
					continue
				}
				_ = g.Upsert(ctx, id, loc)
			}
		}(w)
	}
	for i := 0; i < 200; i++ {
		got, err := g.QueryRadius(ctx, center, 10000)
		require.NoError(t, err)
		for _, e := range got {
			assert.LessOrEqual(t, e.DistanceMeters, 10000.0)
		}
	}
	wg.Wait()
}

type fakeGeoClient struct {
	members   map[string]redis.GeoLocation
	failAdd   bool
	lastQuery *redis.GeoSearchLocationQuery
}

func (f *fakeGeoClient) GeoAdd(_ context.Context, _ string, loc *redis.GeoLocation) error {
	if f.failAdd {
		return errors.New("connection refused")
	}
	f.members[loc.Name] = *loc
	return nil
}

func (f *fakeGeoClient) ZRem(_ context.Context, _, member string) error {
	delete(f.members, member)
	return nil
}

func (f *fakeGeoClient) GeoSearch(_ context.Context, _ string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error) {
	f.lastQuery = q
	out := []redis.GeoLocation{}
	for _, m := range f.members {
		out = append(out, m)
	}
	return out, nil
}

func TestRedisGeoFiltersWithHaversine(t *testing.T) {
	ctx := context.Background()
	fc := &fakeGeoClient{members: map[string]redis.GeoLocation{}}
	r := NewRedisGeo(fc, "participants_geo", nil)
	center := models.Location{Lat: 14.5772, Lon: 121.1434}

	require.NoError(t, r.Upsert(ctx, "near", models.Location{Lat: center.Lat + 50/metersPerDegree, Lon: center.Lon}))
	require.NoError(t, r.Upsert(ctx, "far", models.Location{Lat: center.Lat + 5000/metersPerDegree, Lon: center.Lon}))
	fc.members["corrupt"] = redis.GeoLocation{Name: "corrupt", Latitude: math.NaN()}

	got, err := r.QueryRadius(ctx, center, 3000)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids(got))
	assert.InDelta(t, 3000*redisRadiusSlack, fc.lastQuery.Radius, 1e-9)
	assert.Equal(t, "m", fc.lastQuery.RadiusUnit)

	require.NoError(t, r.Remove(ctx, "near"))
	got, err = r.QueryRadius(ctx, center, 3000)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisGeoErrors(t *testing.T) {
	ctx := context.Background()
	fc := &fakeGeoClient{members: map[string]redis.GeoLocation{}, failAdd: true}
	r := NewRedisGeo(fc, "k", nil)

	err := r.Upsert(ctx, "x", models.Location{Lat: 1, Lon: 1})
	assert.True(t, apperr.Is(err, apperr.CodeUnavailable))

	err = r.Upsert(ctx, "x", models.Location{Lat: 89, Lon: 1})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidLocation))
}

func bruteForce(all map[string]models.Location, c models.Location, r float64) []string {
	out := []string{}
	for id, loc := range all {
		if Distance(c, loc) <= r {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	sort.Strings(out)
	return out
}

func randomLocation(rng *rand.Rand) models.Location {
	return models.Location{Lat: rng.Float64()*180 - 90, Lon: rng.Float64()*360 - 180}
}

func wrapLon(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	return lon
}
