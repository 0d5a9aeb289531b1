package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/storage"
)

type grantFile struct {
	Version int               `json:"version"`
	Grants  map[string]*Grant `json:"grants"`
}

// FileGrantStore keeps grants in a JSON file next to the vault.
type FileGrantStore struct {
	mu     sync.RWMutex
	file   *storage.File
	grants map[string]*Grant
}

// NewFileGrantStore opens or creates the grant file at path.
func NewFileGrantStore(path string) (*FileGrantStore, error) {
	file, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	data := grantFile{Version: nsigner.DefaultStoreVersion}
	if _, err := file.Load(&data); err != nil {
		return nil, err
	}
	if data.Version > nsigner.DefaultStoreVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", nsigner.ErrStoreCorrupted, data.Version)
	}
	if data.Grants == nil {
		data.Grants = make(map[string]*Grant)
	}
	return &FileGrantStore{file: file, grants: data.Grants}, nil
}

// Get implements GrantStore.
func (s *FileGrantStore) Get(_ context.Context, appID string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[appID]
	if !ok {
		return nil, nsigner.ErrGrantNotFound
	}
	return g.Clone(), nil
}

// Put implements GrantStore.
func (s *FileGrantStore) Put(_ context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.copyLocked()
	next[g.AppID] = g.Clone()
	return s.commitLocked(next)
}

// Delete implements GrantStore.
func (s *FileGrantStore) Delete(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[appID]; !ok {
		return nil
	}
	next := s.copyLocked()
	delete(next, appID)
	return s.commitLocked(next)
}

// List implements GrantStore. Grants are ordered by app id.
func (s *FileGrantStore) List(_ context.Context) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

func (s *FileGrantStore) copyLocked() map[string]*Grant {
	next := make(map[string]*Grant, len(s.grants)+1)
	for k, v := range s.grants {
		next[k] = v
	}
	return next
}

func (s *FileGrantStore) commitLocked(next map[string]*Grant) error {
	if err := s.file.Save(grantFile{Version: nsigner.DefaultStoreVersion, Grants: next}); err != nil {
		return err
	}
	s.grants = next
	return nil
}
