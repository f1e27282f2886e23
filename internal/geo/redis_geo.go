package geo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/proximity-matching/internal/apperr"
	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/observability"
)

// Redis GEO cannot store points closer to the poles than this.
const redisMaxLat = 85.05112878

// redis uses a slightly larger earth radius; widen the server-side search and
// re-filter locally so the result matches Haversine exactly.
const redisRadiusSlack = 1.001

// GeoClient is the subset of redis operations the index needs.
type GeoClient interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	ZRem(ctx context.Context, key, member string) error
	GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error)
}

type redisAdapter struct{ c redis.UniversalClient }

// NewGeoClient adapts a go-redis client to GeoClient.
func NewGeoClient(c redis.UniversalClient) GeoClient { return &redisAdapter{c: c} }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) ZRem(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error) {
	return r.c.GeoSearchLocation(ctx, key, q).Result()
}

// RedisGeo implements Index using Redis GEO commands so several processes
// (API servers, the presence consumer) share one index.
type RedisGeo struct {
	client GeoClient
	key    string
	logger *slog.Logger
}

func NewRedisGeo(client GeoClient, key string, logger *slog.Logger) *RedisGeo {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisGeo{client: client, key: key, logger: logger}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, loc models.Location) error {
	if !loc.Valid() {
		return apperr.InvalidLocation(loc.Lat, loc.Lon)
	}
	if loc.Lat > redisMaxLat || loc.Lat < -redisMaxLat {
		return apperr.New(apperr.CodeInvalidLocation, "latitude %v outside the redis geo range", loc.Lat)
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: id, Longitude: loc.Lon, Latitude: loc.Lat}); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, err, "redis geoadd %s", id)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, err, "redis zrem %s", id)
	}
	return nil
}

func (r *RedisGeo) QueryRadius(ctx context.Context, center models.Location, radiusMeters float64) ([]Entry, error) {
	if err := validateQuery(center, radiusMeters); err != nil {
		return nil, err
	}
	res, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusMeters * redisRadiusSlack,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, err, "redis geosearch")
	}
	out := make([]Entry, 0, len(res))
	for _, g := range res {
		loc := models.Location{Lat: g.Latitude, Lon: g.Longitude}
		if g.Name == "" || !loc.Valid() {
			observability.IndexAnomalies.Inc()
			r.logger.Warn("skipping corrupt redis geo member", "member", fmt.Sprintf("%q", g.Name), "lat", g.Latitude, "lon", g.Longitude)
			continue
		}
		if d := Distance(center, loc); d <= radiusMeters {
			out = append(out, Entry{ID: g.Name, Loc: loc, DistanceMeters: d})
		}
	}
	return out, nil
}
