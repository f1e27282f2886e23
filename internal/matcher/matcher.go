package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/proximity-matching/internal/directory"
	"github.com/example/proximity-matching/internal/geo"
	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/observability"
	"github.com/example/proximity-matching/internal/ranker"
)

// Finder answers one search: radius query, counterpart filter, rank, top N.
type Finder struct {
	Index     geo.Index
	Directory directory.Directory
	TopN      int
	Logger    *slog.Logger
}

func (f *Finder) Find(ctx context.Context, req models.SearchRequest) ([]models.Match, error) {
	logger := f.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	entries, err := f.Index.QueryRadius(ctx, req.Origin, req.RadiusMeters)
	if err != nil {
		return nil, fmt.Errorf("radius query: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	meta, err := f.Directory.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	want := req.Role.Counterpart()
	cands := make([]models.Participant, 0, len(entries))
	for _, e := range entries {
		p, ok := meta[e.ID]
		if !ok {
			observability.IndexAnomalies.Inc()
			logger.Warn("indexed participant missing from directory", "participant_id", e.ID)
			continue
		}
		if p.ID == req.RequesterID || p.Role != want || !p.Available {
			continue
		}
		p.Loc = e.Loc
		cands = append(cands, p)
	}

	requester := models.Participant{ID: req.RequesterID, Role: req.Role, Loc: req.Origin}
	ranked := ranker.Rank(requester, cands).Take(f.TopN)
	out := make([]models.Match, len(ranked))
	for i, r := range ranked {
		out[i] = models.Match{
			ParticipantID:  r.Participant.ID,
			Name:           r.Participant.Name,
			Lat:            r.Participant.Loc.Lat,
			Lon:            r.Participant.Loc.Lon,
			DistanceMeters: r.DistanceMeters,
			Score:          r.Score,
		}
	}
	logger.Debug("search ranked", "request_id", req.ID, "in_radius", len(entries), "candidates", len(cands), "returned", len(out))
	return out, nil
}
