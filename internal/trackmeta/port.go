// Package trackmeta defines the narrow read port the engine uses to turn
// a track id into the (title, artist, album) triple it needs to build a
// search query, plus a gorm-backed adapter for the common case where
// track metadata already lives in the same database as everything else.
package trackmeta

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a track id is unknown to the reader.
var ErrNotFound = errors.New("trackmeta: not found")

// Track is the metadata triple the engine needs to build a search query.
type Track struct {
	Title  string
	Artist string
	Album  string
}

// Reader looks up track metadata by id. Production wires it to whatever
// library/metadata-enrichment service owns track records; tests supply
// an in-memory stub.
type Reader interface {
	Get(ctx context.Context, trackID string) (Track, error)
}

// trackRow is the minimal shape expected in a pre-existing "tracks"
// table owned by an external metadata pipeline (spec §1: out of scope,
// consumed only).
type trackRow struct {
	ID     string `gorm:"primaryKey"`
	Title  string
	Artist string
	Album  string
}

func (trackRow) TableName() string { return "tracks" }

// GormReader reads track metadata from a "tracks" table in the same
// database, for deployments that don't run a separate metadata service.
type GormReader struct {
	db *gorm.DB
}

// NewGormReader builds a Reader backed by db. It does not migrate the
// tracks table since that table is owned by an external collaborator.
func NewGormReader(db *gorm.DB) *GormReader {
	return &GormReader{db: db}
}

func (r *GormReader) Get(ctx context.Context, trackID string) (Track, error) {
	var row trackRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", trackID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Track{}, ErrNotFound
	}
	if err != nil {
		return Track{}, err
	}
	return Track{Title: row.Title, Artist: row.Artist, Album: row.Album}, nil
}

// StaticReader is an in-memory Reader for tests and for deployments that
// hand metadata in at enqueue time instead of looking it up.
type StaticReader struct {
	tracks map[string]Track
}

// NewStaticReader builds a StaticReader from a fixed id->Track map.
func NewStaticReader(tracks map[string]Track) *StaticReader {
	return &StaticReader{tracks: tracks}
}

func (r *StaticReader) Get(_ context.Context, trackID string) (Track, error) {
	t, ok := r.tracks[trackID]
	if !ok {
		return Track{}, ErrNotFound
	}
	return t, nil
}

// Set adds or replaces a track, used by tests to seed metadata.
func (r *StaticReader) Set(trackID string, t Track) {
	if r.tracks == nil {
		r.tracks = make(map[string]Track)
	}
	r.tracks[trackID] = t
}

// Query builds the search string the dispatcher hands to
// ExternalDownloader.Search, following the "Artist Song" shape used in
// spec §8 scenario S1 ("Artist1 Song1").
func (t Track) Query() string {
	if t.Artist == "" {
		return t.Title
	}
	return t.Artist + " " + t.Title
}
