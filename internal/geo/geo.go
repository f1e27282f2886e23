package geo

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/example/proximity-matching/internal/apperr"
	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/observability"
)

const (
	EarthRadiusMeters  = 6371000.0
	DefaultCellDegrees = 0.05

	metersPerDegree = EarthRadiusMeters * math.Pi / 180
)

// Index is the geospatial store consulted by the matcher and mutated by presence updates.
type Index interface {
	Upsert(ctx context.Context, id string, loc models.Location) error
	Remove(ctx context.Context, id string) error
	QueryRadius(ctx context.Context, center models.Location, radiusMeters float64) ([]Entry, error)
}

// Entry is one indexed participant. DistanceMeters is only set on query results.
type Entry struct {
	ID             string
	Loc            models.Location
	DistanceMeters float64
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Distance is Haversine over two Locations.
func Distance(a, b models.Location) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

func validateQuery(center models.Location, radiusMeters float64) error {
	if !center.Valid() {
		return apperr.InvalidLocation(center.Lat, center.Lon)
	}
	if math.IsNaN(radiusMeters) || radiusMeters < 0 {
		return apperr.InvalidArgument("radius must be >= 0, got %v", radiusMeters)
	}
	return nil
}

type cell struct{ row, col int }

// Grid partitions the globe into fixed-size lat/lon cells so a radius query only
// touches the cells overlapping the query's bounding box.
type Grid struct {
	mu      sync.RWMutex
	size    float64
	rows    int
	cols    int
	entries map[string]models.Location
	cells   map[cell]map[string]struct{}
	logger  *slog.Logger
}

func NewGrid(cellDegrees float64, logger *slog.Logger) *Grid {
	if cellDegrees <= 0 || cellDegrees > 90 || math.IsNaN(cellDegrees) {
		cellDegrees = DefaultCellDegrees
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Grid{
		size:    cellDegrees,
		rows:    int(math.Ceil(180 / cellDegrees)),
		cols:    int(math.Ceil(360 / cellDegrees)),
		entries: make(map[string]models.Location),
		cells:   make(map[cell]map[string]struct{}),
		logger:  logger,
	}
}

func (g *Grid) rowOf(lat float64) int {
	r := int(math.Floor((lat + 90) / g.size))
	return clamp(r, 0, g.rows-1)
}

func (g *Grid) colOf(lon float64) int {
	c := int(math.Floor((lon + 180) / g.size))
	return clamp(c, 0, g.cols-1)
}

func (g *Grid) cellOf(loc models.Location) cell {
	return cell{row: g.rowOf(loc.Lat), col: g.colOf(loc.Lon)}
}

func (g *Grid) Upsert(_ context.Context, id string, loc models.Location) error {
	if !loc.Valid() {
		return apperr.InvalidLocation(loc.Lat, loc.Lon)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[id]; ok {
		g.unlink(id, g.cellOf(old))
	}
	c := g.cellOf(loc)
	set, ok := g.cells[c]
	if !ok {
		set = make(map[string]struct{})
		g.cells[c] = set
	}
	set[id] = struct{}{}
	g.entries[id] = loc
	observability.IndexEntries.Set(float64(len(g.entries)))
	return nil
}

func (g *Grid) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	old, ok := g.entries[id]
	if !ok {
		return nil
	}
	g.unlink(id, g.cellOf(old))
	delete(g.entries, id)
	observability.IndexEntries.Set(float64(len(g.entries)))
	return nil
}

func (g *Grid) unlink(id string, c cell) {
	if set, ok := g.cells[c]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.cells, c)
		}
	}
}

// Get returns the indexed location of id.
func (g *Grid) Get(id string) (models.Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	loc, ok := g.entries[id]
	return loc, ok
}

func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// QueryRadius returns every entry whose great-circle distance to center is <= radiusMeters.
// The result is read under one read lock, so it is a consistent snapshot.
func (g *Grid) QueryRadius(_ context.Context, center models.Location, radiusMeters float64) ([]Entry, error) {
	if err := validateQuery(center, radiusMeters); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Entry
	visit := func(id string) {
		loc, ok := g.entries[id]
		if !ok || !loc.Valid() {
			observability.IndexAnomalies.Inc()
			g.logger.Warn("skipping corrupt index entry", "participant_id", id, "present", ok)
			return
		}
		if d := Distance(center, loc); d <= radiusMeters {
			out = append(out, Entry{ID: id, Loc: loc, DistanceMeters: d})
		}
	}

	rowLo, rowHi, colRanges := g.bounds(center, radiusMeters)
	ncells := 0
	for _, cr := range colRanges {
		ncells += (rowHi - rowLo + 1) * (cr[1] - cr[0] + 1)
	}
	if ncells > len(g.entries) {
		for id := range g.entries {
			visit(id)
		}
		return out, nil
	}
	for row := rowLo; row <= rowHi; row++ {
		for _, cr := range colRanges {
			for col := cr[0]; col <= cr[1]; col++ {
				for id := range g.cells[cell{row, col}] {
					visit(id)
				}
			}
		}
	}
	return out, nil
}

// bounds computes the cell rows and (possibly wrapped) column ranges covering the
// bounding box of the query circle.
func (g *Grid) bounds(center models.Location, radiusMeters float64) (int, int, [][2]int) {
	all := [][2]int{{0, g.cols - 1}}
	delta := radiusMeters / EarthRadiusMeters // angular radius
	if delta >= math.Pi {
		return 0, g.rows - 1, all
	}
	// pad by a hair so floating point error never drops a boundary cell
	dLat := delta*180/math.Pi*1.000001 + 1e-9
	minLat, maxLat := center.Lat-dLat, center.Lat+dLat
	rowLo, rowHi := g.rowOf(math.Max(minLat, -90)), g.rowOf(math.Min(maxLat, 90))
	if minLat <= -90 || maxLat >= 90 {
		return rowLo, rowHi, all
	}
	s := math.Sin(delta) / math.Cos(center.Lat*math.Pi/180)
	if s >= 1 {
		return rowLo, rowHi, all
	}
	dLon := math.Asin(s)*180/math.Pi*1.000001 + 1e-9
	minLon, maxLon := center.Lon-dLon, center.Lon+dLon
	if maxLon-minLon >= 360 {
		return rowLo, rowHi, all
	}
	switch {
	case minLon < -180:
		return rowLo, rowHi, g.wrapped(g.colOf(minLon+360), g.colOf(maxLon))
	case maxLon > 180:
		return rowLo, rowHi, g.wrapped(g.colOf(minLon), g.colOf(maxLon-360))
	}
	return rowLo, rowHi, [][2]int{{g.colOf(minLon), g.colOf(maxLon)}}
}

// wrapped splits a column range crossing the antimeridian into [lo, last] and [0, hi].
func (g *Grid) wrapped(lo, hi int) [][2]int {
	if hi >= lo {
		return [][2]int{{0, g.cols - 1}}
	}
	return [][2]int{{lo, g.cols - 1}, {0, hi}}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
