// Package session owns the lifecycle of search requests.
//
//	Pending -> Ready      ranking finished
//	Pending -> Cancelled  client cancel
//	Pending -> Expired    TTL elapsed, or ranking failed
//	Ready   -> Expired    TTL elapsed before the result was read
//
// Ready, Expired and Cancelled are terminal for clients. A requester has at
// most one Pending search. A ranking result is applied only if its search is
// still Pending when the result arrives.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/proximity-matching/internal/apperr"
	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/observability"
	"github.com/example/proximity-matching/internal/worker"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultRetention = 10 * time.Minute
)

type Finder interface {
	Find(ctx context.Context, req models.SearchRequest) ([]models.Match, error)
}

// Submitter queues background work; *worker.Pool implements it.
type Submitter interface {
	TrySubmit(t worker.Task) error
}

// Observer is told about every state change. It is called outside the
// manager's lock and must not block for long.
type Observer interface {
	SearchChanged(req models.SearchRequest)
}

// Archiver receives terminal searches before they are evicted from memory.
type Archiver interface {
	ArchiveSearch(ctx context.Context, r models.SearchRequest) error
}

type Config struct {
	TTL       time.Duration
	Retention time.Duration
	Archive   Archiver
	Observers []Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

type SubmitInput struct {
	RequesterID  string
	Role         models.Role
	Origin       models.Location
	RadiusMeters float64
}

type entry struct {
	req    models.SearchRequest
	cancel context.CancelFunc // set while the ranking task may still be running
}

type Manager struct {
	finder    Finder
	pool      Submitter
	archive   Archiver
	observers []Observer
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	requests map[string]*entry
	pending  map[string]string // requester id -> pending request id
}

func NewManager(finder Finder, pool Submitter, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Manager{
		finder:    finder,
		pool:      pool,
		archive:   cfg.Archive,
		observers: cfg.Observers,
		ttl:       cfg.TTL,
		retention: cfg.Retention,
		now:       cfg.Now,
		logger:    cfg.Logger,
		requests:  make(map[string]*entry),
		pending:   make(map[string]string),
	}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Submit registers a Pending search and queues its ranking task.
func (m *Manager) Submit(_ context.Context, in SubmitInput) (string, error) {
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	switch {
	case in.RequesterID == "":
		return "", apperr.InvalidArgument("requester id is required")
	case !in.Role.Valid():
		return "", apperr.InvalidArgument("role must be %s or %s", models.RoleJobMaster, models.RoleTaskMaster)
	case !in.Origin.Valid():
		return "", apperr.InvalidLocation(in.Origin.Lat, in.Origin.Lon)
	case !(in.RadiusMeters > 0):
		return "", apperr.InvalidArgument("radius must be > 0, got %v", in.RadiusMeters)
	}

	now := m.now()
	var changed []models.SearchRequest
	m.mu.Lock()
	if id, ok := m.pending[in.RequesterID]; ok {
		e := m.requests[id]
		if !m.expireIfDue(e, now) {
			m.mu.Unlock()
			return "", apperr.DuplicateRequest(in.RequesterID, id)
		}
		changed = append(changed, e.req.Clone())
	}
	if in.Origin.Timestamp.IsZero() {
		in.Origin.Timestamp = now
	}
	req := models.SearchRequest{
		ID:           uuid.NewString(),
		RequesterID:  in.RequesterID,
		Role:         in.Role,
		Origin:       in.Origin,
		RadiusMeters: in.RadiusMeters,
		Status:       models.StatusPending,
		CreatedAt:    now,
	}
	taskCtx, cancel := context.WithTimeout(context.Background(), m.ttl)
	m.requests[req.ID] = &entry{req: req, cancel: cancel}
	m.pending[req.RequesterID] = req.ID
	m.mu.Unlock()
	m.notify(changed...)

	if err := m.pool.TrySubmit(func(poolCtx context.Context) { m.run(taskCtx, poolCtx, req) }); err != nil {
		m.abandon(req.ID)
		return "", apperr.Wrap(apperr.CodeUnavailable, err, "search queue")
	}
	observability.SearchesSubmitted.Inc()
	m.logger.Info("search submitted", "request_id", req.ID, "requester_id", req.RequesterID, "role", req.Role, "radius_m", req.RadiusMeters)
	return req.ID, nil
}

// Status returns the current state. Reading a Ready search acknowledges its result,
// which stops it from expiring.
func (m *Manager) Status(_ context.Context, id string) (models.SearchRequest, error) {
	now := m.now()
	m.mu.Lock()
	e, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return models.SearchRequest{}, apperr.NotFound("search", id)
	}
	expired := m.expireIfDue(e, now)
	if e.req.Status == models.StatusReady {
		e.req.Acknowledged = true
	}
	snap := e.req.Clone()
	m.mu.Unlock()
	if expired {
		m.notify(snap)
	}
	return snap, nil
}

// Cancel moves a Pending search to Cancelled. Cancelling a terminal search is a no-op.
func (m *Manager) Cancel(_ context.Context, id string) (models.SearchRequest, error) {
	now := m.now()
	m.mu.Lock()
	e, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return models.SearchRequest{}, apperr.NotFound("search", id)
	}
	changed := m.expireIfDue(e, now)
	if e.req.Status == models.StatusPending {
		m.transition(e, models.StatusCancelled, now)
		changed = true
	}
	snap := e.req.Clone()
	m.mu.Unlock()
	if changed {
		m.logger.Info("search cancelled", "request_id", id, "status", snap.Status)
		m.notify(snap)
	}
	return snap, nil
}

func (m *Manager) run(taskCtx, poolCtx context.Context, req models.SearchRequest) {
	ctx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()

	results, err := m.find(ctx, req)
	if cerr := m.complete(req.ID, results, err); cerr != nil {
		observability.DiscardedResults.Inc()
		m.logger.Debug("ranking result discarded", "request_id", req.ID, "reason", cerr)
	}
}

func (m *Manager) find(ctx context.Context, req models.SearchRequest) (results []models.Match, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ranking panicked: %v", rec)
		}
	}()
	return m.finder.Find(ctx, req)
}

// complete applies a ranking outcome. It refuses with InvalidState unless the
// search is still Pending and inside its TTL.
func (m *Manager) complete(id string, results []models.Match, findErr error) error {
	now := m.now()
	m.mu.Lock()
	e, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("search", id)
	}
	if m.expireIfDue(e, now) {
		snap := e.req.Clone()
		m.mu.Unlock()
		m.notify(snap)
		return apperr.InvalidState("search %s expired before ranking completed", id)
	}
	if e.req.Status != models.StatusPending {
		status := e.req.Status
		m.mu.Unlock()
		return apperr.InvalidState("search %s is %s", id, status)
	}
	if findErr != nil {
		e.req.Failure = findErr.Error()
		m.transition(e, models.StatusExpired, now)
		observability.RankingFailures.Inc()
	} else {
		e.req.Results = results
		m.transition(e, models.StatusReady, now)
		observability.SearchLatency.Observe(now.Sub(e.req.CreatedAt).Seconds())
	}
	snap := e.req.Clone()
	m.mu.Unlock()

	if findErr != nil {
		m.logger.Error("ranking failed", "request_id", id, "error", findErr)
	} else {
		m.logger.Info("search ready", "request_id", id, "results", len(results))
	}
	m.notify(snap)
	return nil
}

// abandon forgets a search whose task could not be queued.
func (m *Manager) abandon(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.requests[id]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	if m.pending[e.req.RequesterID] == id {
		delete(m.pending, e.req.RequesterID)
	}
	delete(m.requests, id)
}

// expireIfDue must be called with mu held.
func (m *Manager) expireIfDue(e *entry, now time.Time) bool {
	live := e.req.Status == models.StatusPending || (e.req.Status == models.StatusReady && !e.req.Acknowledged)
	if !live || now.Sub(e.req.CreatedAt) <= m.ttl {
		return false
	}
	if e.req.Status == models.StatusPending && e.req.Failure == "" {
		e.req.Failure = "ttl elapsed before ranking completed"
	}
	e.req.Results = nil
	m.transition(e, models.StatusExpired, now)
	return true
}

// transition must be called with mu held.
func (m *Manager) transition(e *entry, to models.SearchStatus, now time.Time) {
	e.req.Status = to
	if e.req.CompletedAt.IsZero() {
		e.req.CompletedAt = now
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if m.pending[e.req.RequesterID] == e.req.ID {
		delete(m.pending, e.req.RequesterID)
	}
	observability.SearchTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Manager) notify(reqs ...models.SearchRequest) {
	for _, r := range reqs {
		for _, o := range m.observers {
			o.SearchChanged(r)
		}
	}
}

// Sweep expires overdue searches and evicts terminal ones older than the
// retention window, archiving them first.
func (m *Manager) Sweep(ctx context.Context) (expired, evicted int) {
	now := m.now()
	var changed, gone []models.SearchRequest
	m.mu.Lock()
	for id, e := range m.requests {
		if m.expireIfDue(e, now) {
			changed = append(changed, e.req.Clone())
		}
		if e.req.Status.Terminal() && now.Sub(e.req.CreatedAt) > m.retention {
			gone = append(gone, e.req.Clone())
			delete(m.requests, id)
		}
	}
	m.mu.Unlock()

	m.notify(changed...)
	m.archiveAll(ctx, gone)
	if len(changed) > 0 || len(gone) > 0 {
		m.logger.Info("search sweep", "expired", len(changed), "evicted", len(gone))
	}
	return len(changed), len(gone)
}

// Flush archives every terminal search still held in memory; used at shutdown.
func (m *Manager) Flush(ctx context.Context) int {
	m.mu.Lock()
	var done []models.SearchRequest
	for _, e := range m.requests {
		if e.req.Status.Terminal() {
			done = append(done, e.req.Clone())
		}
	}
	m.mu.Unlock()
	m.archiveAll(ctx, done)
	return len(done)
}

func (m *Manager) archiveAll(ctx context.Context, reqs []models.SearchRequest) {
	if m.archive == nil {
		return
	}
	for _, r := range reqs {
		if err := m.archive.ArchiveSearch(ctx, r); err != nil {
			observability.SideEffectErrors.WithLabelValues("archive").Inc()
			m.logger.Error("archive search failed", "request_id", r.ID, "error", err)
		}
	}
}

// Len reports how many searches are held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
