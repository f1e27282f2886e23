package directory

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/proximity-matching/internal/models"
)

// Redis stores one hash per participant, the layout the presence consumer writes.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "participant:meta:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(id string) string { return r.prefix + id }

// Fields returns the hash fields stored for p.
func Fields(p models.Participant) map[string]interface{} {
	return map[string]interface{}{
		"role":            string(p.Role),
		"name":            p.Name,
		"lat":             strconv.FormatFloat(p.Loc.Lat, 'f', -1, 64),
		"lon":             strconv.FormatFloat(p.Loc.Lon, 'f', -1, 64),
		"available":       strconv.FormatBool(p.Available),
		"available_since": p.AvailableSince.UTC().Format(time.RFC3339Nano),
		"updated":         p.Updated.UTC().Format(time.RFC3339Nano),
	}
}

func parse(id string, m map[string]string) (models.Participant, error) {
	p := models.Participant{ID: id, Role: models.Role(m["role"]), Name: m["name"]}
	var errs []error
	var err error
	if p.Loc.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		errs = append(errs, err)
	}
	if p.Loc.Lon, err = strconv.ParseFloat(m["lon"], 64); err != nil {
		errs = append(errs, err)
	}
	p.Available = m["available"] == "true"
	if v := m["available_since"]; v != "" {
		if p.AvailableSince, err = time.Parse(time.RFC3339Nano, v); err != nil {
			errs = append(errs, err)
		}
	}
	if v := m["updated"]; v != "" {
		if p.Updated, err = time.Parse(time.RFC3339Nano, v); err != nil {
			errs = append(errs, err)
		}
	}
	return p, errors.Join(errs...)
}

func (r *Redis) Get(ctx context.Context, id string) (models.Participant, bool, error) {
	m, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return models.Participant{}, false, err
	}
	if len(m) == 0 {
		return models.Participant{}, false, nil
	}
	p, err := parse(id, m)
	if err != nil {
		return models.Participant{}, false, err
	}
	return p, true, nil
}

// GetMany pipelines the lookups. Hashes that fail to parse are left out of the
// result; the caller treats them like dangling index entries.
func (r *Redis) GetMany(ctx context.Context, ids []string) (map[string]models.Participant, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string]models.Participant, len(ids))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		if p, err := parse(ids[i], m); err == nil {
			out[ids[i]] = p
		}
	}
	return out, nil
}

func (r *Redis) Put(ctx context.Context, p models.Participant) error {
	return r.client.HSet(ctx, r.key(p.ID), Fields(p)).Err()
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
