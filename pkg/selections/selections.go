// Package selections persists the user's generation target between runs.
package selections

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/nstogner/celeste/pkg/domain"
)

// Store holds the current selections and writes them to a TOML file on every
// change. An empty path keeps selections in memory only.
type Store struct {
	path string

	mu  sync.Mutex
	sel domain.Selections
}

// Open loads selections from path, falling back to defaults when the file does
// not exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, sel: domain.DefaultSelections()}
	if path == "" {
		return s, nil
	}
	if _, err := toml.DecodeFile(path, &s.sel); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading selections %s: %w", path, err)
	}
	if s.sel.Capability == "" {
		s.sel.Capability = domain.CapabilityText
	}
	if s.sel.ImageMode == "" {
		s.sel.ImageMode = domain.ImageModeGenerate
	}
	return s, nil
}

func (s *Store) Get() domain.Selections {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// Set replaces all selections.
func (s *Store) Set(sel domain.Selections) error {
	if sel.Capability != "" && !sel.Capability.Valid() {
		return fmt.Errorf("unknown capability: %q", sel.Capability)
	}
	return s.update(func(cur *domain.Selections) { *cur = sel })
}

// SetCapability switches capability. The model is cleared because models are
// capability specific.
func (s *Store) SetCapability(c domain.Capability) error {
	if !c.Valid() {
		return fmt.Errorf("unknown capability: %q", c)
	}
	return s.update(func(cur *domain.Selections) {
		if cur.Capability != c {
			cur.Model = ""
		}
		cur.Capability = c
	})
}

func (s *Store) SetImageMode(m domain.ImageMode) error {
	if m != domain.ImageModeGenerate && m != domain.ImageModeEdit {
		return fmt.Errorf("unknown image mode: %q", m)
	}
	return s.update(func(cur *domain.Selections) {
		if cur.ImageMode != m {
			cur.Model = ""
		}
		cur.ImageMode = m
	})
}

// SetProviderFilter narrows model listings to one provider; empty means all.
func (s *Store) SetProviderFilter(provider string) error {
	return s.update(func(cur *domain.Selections) { cur.ProviderFilter = provider })
}

// SelectModel picks a model and locks the provider to the model's provider.
func (s *Store) SelectModel(m domain.Model) error {
	return s.update(func(cur *domain.Selections) {
		cur.Provider = m.Provider
		cur.Model = m.ID
	})
}

// Filter returns the catalog filter for the current selections.
func (s *Store) Filter() domain.ModelFilter {
	sel := s.Get()
	return domain.ModelFilter{Capability: sel.BackendCapability(), Provider: sel.ProviderFilter}
}

func (s *Store) update(fn func(*domain.Selections)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.sel
	fn(&next)
	if err := s.save(next); err != nil {
		return err
	}
	s.sel = next
	return nil
}

// Caller holds s.mu.
func (s *Store) save(sel domain.Selections) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(sel); err != nil {
		f.Close()
		return fmt.Errorf("encoding selections: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
