// Package presence applies participant upserts and removals. The index and
// directory are authoritative and updated first; persistence and publishing
// follow and are best-effort (logged and counted, never silently dropped).
// Mutations of one participant id are serialized end to end.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/proximity-matching/internal/apperr"
	"github.com/example/proximity-matching/internal/directory"
	"github.com/example/proximity-matching/internal/geo"
	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/observability"
	"github.com/example/proximity-matching/internal/storage"
)

// Publisher fans presence changes out to other processes.
type Publisher interface {
	PublishPresence(ctx context.Context, ev models.PresenceEvent) error
}

type Service struct {
	Index     geo.Index
	Directory directory.Directory
	Store     storage.Store // optional
	Publisher Publisher     // optional
	Logger    *slog.Logger
	Now       func() time.Time

	stripes [lockStripes]sync.Mutex
}

const lockStripes = 64

// lock holds the stripe for id; ids sharing a stripe also wait on each other.
func (s *Service) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.Discard()
}

// Upsert registers or updates a participant and returns the stored record.
func (s *Service) Upsert(ctx context.Context, p models.Participant) (models.Participant, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return p, apperr.InvalidArgument("participant id is required")
	}
	if !p.Role.Valid() {
		return p, apperr.InvalidArgument("role must be %s or %s", models.RoleJobMaster, models.RoleTaskMaster)
	}
	if !p.Loc.Valid() {
		return p, apperr.InvalidLocation(p.Loc.Lat, p.Loc.Lon)
	}
	defer s.lock(p.ID)()

	now := s.now()
	if p.Loc.Timestamp.IsZero() {
		p.Loc.Timestamp = now
	}
	p.Updated = now

	prev, existed, err := s.Directory.Get(ctx, p.ID)
	if err != nil {
		return p, apperr.Wrap(apperr.CodeUnavailable, err, "directory lookup %s", p.ID)
	}
	switch {
	case !p.Available:
		p.AvailableSince = time.Time{}
	case existed && prev.Available && !prev.AvailableSince.IsZero():
		p.AvailableSince = prev.AvailableSince
	default:
		p.AvailableSince = now
	}

	if err := s.Index.Upsert(ctx, p.ID, p.Loc); err != nil {
		return p, err
	}
	if err := s.Directory.Put(ctx, p); err != nil {
		return p, apperr.Wrap(apperr.CodeUnavailable, err, "directory put %s", p.ID)
	}
	if s.Store != nil {
		if err := s.Store.SaveParticipant(ctx, p); err != nil {
			observability.SideEffectErrors.WithLabelValues("store").Inc()
			s.logger().Error("persist participant failed", "participant_id", p.ID, "error", err)
		}
	}
	s.publish(ctx, models.PresenceEvent{Type: models.PresenceUpsert, Participant: p, At: now})
	return p, nil
}

// Remove takes a participant offline. Unknown ids are not an error.
func (s *Service) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperr.InvalidArgument("participant id is required")
	}
	defer s.lock(id)()

	if err := s.Index.Remove(ctx, id); err != nil {
		return err
	}
	if err := s.Directory.Delete(ctx, id); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, err, "directory delete %s", id)
	}
	if s.Store != nil {
		if err := s.Store.DeleteParticipant(ctx, id); err != nil {
			observability.SideEffectErrors.WithLabelValues("store").Inc()
			s.logger().Error("delete persisted participant failed", "participant_id", id, "error", err)
		}
	}
	s.publish(ctx, models.PresenceEvent{Type: models.PresenceRemove, Participant: models.Participant{ID: id}, At: s.now()})
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Participant, error) {
	p, ok, err := s.Directory.Get(ctx, id)
	if err != nil {
		return p, apperr.Wrap(apperr.CodeUnavailable, err, "directory lookup %s", id)
	}
	if !ok {
		return p, apperr.NotFound("participant", id)
	}
	return p, nil
}

// Restore loads persisted participants into the index and directory. Invalid
// records are skipped and counted.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.Store == nil {
		return 0, nil
	}
	ps, err := s.Store.LoadParticipants(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range ps {
		if !p.Loc.Valid() || !p.Role.Valid() {
			observability.IndexAnomalies.Inc()
			s.logger().Warn("skipping invalid persisted participant", "participant_id", p.ID)
			continue
		}
		if err := s.restoreOne(ctx, p); err != nil {
			return n, err
		}
		n++
	}
	s.logger().Info("participants restored", "count", n, "skipped", len(ps)-n)
	return n, nil
}

func (s *Service) restoreOne(ctx context.Context, p models.Participant) error {
	defer s.lock(p.ID)()
	if err := s.Index.Upsert(ctx, p.ID, p.Loc); err != nil {
		return err
	}
	return s.Directory.Put(ctx, p)
}

func (s *Service) publish(ctx context.Context, ev models.PresenceEvent) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.PublishPresence(ctx, ev); err != nil {
		observability.SideEffectErrors.WithLabelValues("publish").Inc()
		s.logger().Warn("publish presence failed", "participant_id", ev.Participant.ID, "type", ev.Type, "error", err)
	}
}
