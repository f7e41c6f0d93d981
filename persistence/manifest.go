package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/model"
)

const (
	manifestVersion = 1

	currentKey = "CURRENT"
)

// Manifest describes the persisted state of a collection at one point
// in time. A new manifest object is written on every save and CURRENT
// is repointed afterwards, so readers always see a complete manifest.
type Manifest struct {
	Version       int             `json:"version"`
	ID            uint64          `json:"id"`
	NextSegmentID model.SegmentID `json:"next_segment_id"`
	Segments      []SegmentInfo   `json:"segments"`
}

// SegmentInfo describes one sealed segment.
type SegmentInfo struct {
	ID        model.SegmentID `json:"id"`
	Partition string          `json:"partition"`
	Rows      int             `json:"rows"`
	MinTs     model.Timestamp `json:"min_ts"`
	MaxTs     model.Timestamp `json:"max_ts"`
}

// ManifestStore manages manifest objects in a blob store.
type ManifestStore struct {
	store blobstore.Store
	mu    sync.Mutex
}

// NewManifestStore creates a manifest store on top of store.
func NewManifestStore(store blobstore.Store) *ManifestStore {
	return &ManifestStore{store: store}
}

// Load reads the manifest CURRENT points at. When no manifest exists
// yet it returns an empty one.
func (s *ManifestStore) Load(ctx context.Context) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.store.Get(ctx, currentKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		return &Manifest{Version: manifestVersion}, nil
	}

	if err != nil {
		return nil, err
	}

	data, err := s.store.Get(ctx, string(name))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}

	return &m, nil
}

// Save writes m as a new manifest object and repoints CURRENT at it.
func (s *ManifestStore) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = manifestVersion
	m.ID++

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("MANIFEST-%06d.json", m.ID)
	if err := s.store.Put(ctx, name, data); err != nil {
		return err
	}

	return s.store.Put(ctx, currentKey, []byte(name))
}
