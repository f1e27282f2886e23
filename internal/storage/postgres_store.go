package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/proximity-matching/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies a schema script, used when MIGRATE=true.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadParticipants(ctx context.Context) ([]models.Participant, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, role, name, lat, lon, available, available_since, updated_at FROM participants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()
	var out []models.Participant
	for rows.Next() {
		var pt models.Participant
		var role string
		var since sql.NullTime
		if err := rows.Scan(&pt.ID, &role, &pt.Name, &pt.Loc.Lat, &pt.Loc.Lon, &pt.Available, &since, &pt.Updated); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		pt.Role = models.Role(role)
		if since.Valid {
			pt.AvailableSince = since.Time
		}
		pt.Loc.Timestamp = pt.Updated
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveParticipant(ctx context.Context, pt models.Participant) error {
	var since sql.NullTime
	if !pt.AvailableSince.IsZero() {
		since = sql.NullTime{Time: pt.AvailableSince, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO participants(id, role, name, lat, lon, available, available_since, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET role=EXCLUDED.role, name=EXCLUDED.name, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
available=EXCLUDED.available, available_since=EXCLUDED.available_since, updated_at=EXCLUDED.updated_at`,
		pt.ID, string(pt.Role), pt.Name, pt.Loc.Lat, pt.Loc.Lon, pt.Available, since, pt.Updated)
	if err != nil {
		return fmt.Errorf("save participant %s: %w", pt.ID, err)
	}
	return nil
}

func (p *PostgresStore) DeleteParticipant(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM participants WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete participant %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStore) ArchiveSearch(ctx context.Context, r models.SearchRequest) error {
	results, err := encodeResults(r.Results)
	if err != nil {
		return err
	}
	var completed sql.NullTime
	if !r.CompletedAt.IsZero() {
		completed = sql.NullTime{Time: r.CompletedAt, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO searches(id, requester_id, role, origin_lat, origin_lon, radius_m, status, failure, results, created_at, completed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, failure=EXCLUDED.failure, results=EXCLUDED.results, completed_at=EXCLUDED.completed_at`,
		r.ID, r.RequesterID, string(r.Role), r.Origin.Lat, r.Origin.Lon, r.RadiusMeters, string(r.Status), r.Failure, results, r.CreatedAt, completed)
	if err != nil {
		return fmt.Errorf("archive search %s: %w", r.ID, err)
	}
	return nil
}

// encodeResults renders results for the JSONB column; no results is "[]", never null.
func encodeResults(rs []models.Match) (string, error) {
	if rs == nil {
		rs = []models.Match{}
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	return string(b), nil
}

func (p *PostgresStore) Close(context.Context) error { return p.db.Close() }
