package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/proximity-matching/internal/apperr"
	"github.com/example/proximity-matching/internal/directory"
	"github.com/example/proximity-matching/internal/geo"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/storage"
)

type recordingPublisher struct {
	events []models.PresenceEvent
	fail   bool
}

func (r *recordingPublisher) PublishPresence(_ context.Context, ev models.PresenceEvent) error {
	r.events = append(r.events, ev)
	if r.fail {
		return errors.New("broker down")
	}
	return nil
}

type fixture struct {
	svc   *Service
	grid  *geo.Grid
	store *storage.MemoryStore
	pub   *recordingPublisher
	clock time.Time
}

func newFixture() *fixture {
	f := &fixture{
		grid:  geo.NewGrid(0.01, nil),
		store: storage.NewMemoryStore(),
		pub:   &recordingPublisher{},
		clock: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
	}
	f.svc = &Service{Index: f.grid, Directory: directory.NewMemory(), Store: f.store, Publisher: f.pub, Now: func() time.Time { return f.clock }}
	return f
}

var mario = models.Participant{ID: "1", Role: models.RoleTaskMaster, Name: "Plumber - Mario", Loc: models.Location{Lat: 14.57716050540969, Lon: 121.14338136999869}, Available: true}

func TestUpsertThenRemoveEmptiesRadiusQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, err := f.svc.Upsert(ctx, mario)
	require.NoError(t, err)

	got, err := f.grid.QueryRadius(ctx, mario.Loc, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, f.svc.Remove(ctx, mario.ID))
	got, err = f.grid.QueryRadius(ctx, mario.Loc, 100)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.svc.Get(ctx, mario.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	ps, _ := f.store.LoadParticipants(ctx)
	assert.Empty(t, ps)
	require.Len(t, f.pub.events, 2)
	assert.Equal(t, models.PresenceRemove, f.pub.events[1].Type)
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	bad := mario
	bad.Loc.Lat = 120
	_, err := f.svc.Upsert(ctx, bad)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidLocation))

	bad = mario
	bad.Role = ""
	_, err = f.svc.Upsert(ctx, bad)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))

	bad = mario
	bad.ID = "  "
	_, err = f.svc.Upsert(ctx, bad)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidArgument))
	assert.Equal(t, 0, f.grid.Len())
}

func TestAvailableSinceTracksTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	t0 := f.clock

	p, err := f.svc.Upsert(ctx, mario)
	require.NoError(t, err)
	assert.Equal(t, t0, p.AvailableSince)

	// still available: keeps the first timestamp
	f.clock = t0.Add(time.Minute)
	p, err = f.svc.Upsert(ctx, mario)
	require.NoError(t, err)
	assert.Equal(t, t0, p.AvailableSince)

	off := mario
	off.Available = false
	f.clock = t0.Add(2 * time.Minute)
	p, err = f.svc.Upsert(ctx, off)
	require.NoError(t, err)
	assert.True(t, p.AvailableSince.IsZero())

	f.clock = t0.Add(3 * time.Minute)
	p, err = f.svc.Upsert(ctx, mario)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Minute), p.AvailableSince)
}

func TestPublishFailureDoesNotFailUpsert(t *testing.T) {
	f := newFixture()
	f.pub.fail = true
	_, err := f.svc.Upsert(context.Background(), mario)
	assert.NoError(t, err)
	assert.Len(t, f.pub.events, 1)
}

func TestRestoreSkipsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.store.SaveParticipant(ctx, mario))
	require.NoError(t, f.store.SaveParticipant(ctx, models.Participant{ID: "broken", Role: models.RoleJobMaster, Loc: models.Location{Lat: 200}}))

	n, err := f.svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.grid.Len())
	got, err := f.svc.Get(ctx, mario.ID)
	require.NoError(t, err)
	assert.Equal(t, mario.Name, got.Name)
}

func TestConcurrentMutationsKeepIndexAndDirectoryInStep(t *testing.T) {
	ctx := context.Background()
	g := geo.NewGrid(0.01, nil)
	d := directory.NewMemory()
	svc := &Service{Index: g, Directory: d}

	for round := 0; round < 500; round++ {
		id := fmt.Sprintf("p%d", round%7)
		a, b := mario, mario
		a.ID, b.ID = id, id
		b.Loc.Lat += 0.01

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = svc.Upsert(ctx, a) }()
		go func() { defer wg.Done(); _, _ = svc.Upsert(ctx, b) }()
		go func() { defer wg.Done(); _ = svc.Remove(ctx, id) }()
		wg.Wait()

		loc, indexed := g.Get(id)
		p, stored, err := d.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, indexed, stored, "round %d: index and directory disagree on membership", round)
		if indexed {
			require.Equal(t, p.Loc.Lat, loc.Lat, "round %d: index and directory disagree on location", round)
			require.Equal(t, p.Loc.Lon, loc.Lon)
		}
	}
}
