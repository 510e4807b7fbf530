// Package hintcache persists display hints from one run for the next: how
// long each stage took and how large it was. The cache is versioned; a cache
// written under another version is discarded, never migrated.
package hintcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v2"
)

const CurrentVersion = 1

type StageHint struct {
	LastMaximum int           `yaml:"lastMaximum"`
	LastStep    string        `yaml:"lastStep,omitempty"`
	Duration    time.Duration `yaml:"duration"`
}

type Hints struct {
	Version int                  `yaml:"version"`
	Stages  map[string]StageHint `yaml:"stages"`
}

func NewHints(version int) *Hints {
	return &Hints{
		Version: version,
		Stages:  map[string]StageHint{},
	}
}

// Get returns the hint for a stage name. A nil *Hints has no hints.
func (h *Hints) Get(name string) (StageHint, bool) {
	if h == nil || h.Stages == nil {
		return StageHint{}, false
	}
	hint, ok := h.Stages[name]
	return hint, ok
}

func (h *Hints) Set(name string, hint StageHint) {
	if h.Stages == nil {
		h.Stages = map[string]StageHint{}
	}
	h.Stages[name] = hint
}

// Store reads and writes a hints file.
type Store struct {
	Path    string
	Version int
	log     logr.Logger
}

func NewStore(path string, version int, log logr.Logger) *Store {
	return &Store{Path: path, Version: version, log: log}
}

// Load returns the cached hints. A missing, unreadable-as-YAML or
// differently versioned file yields empty hints and no error; only I/O
// failures are returned.
func (s *Store) Load() (*Hints, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.V(5).Info("no hint cache found", "path", s.Path)
			return NewHints(s.Version), nil
		}
		return nil, fmt.Errorf("unable to read hint cache %s: %w", s.Path, err)
	}

	hints := &Hints{}
	if err := yaml.Unmarshal(content, hints); err != nil {
		s.log.Info("discarding unreadable hint cache", "warning", true, "path", s.Path, "error", err.Error())
		return NewHints(s.Version), nil
	}
	if hints.Version != s.Version {
		s.log.Info("discarding hint cache from another version", "path", s.Path, "found", hints.Version, "expected", s.Version)
		return NewHints(s.Version), nil
	}
	if hints.Stages == nil {
		hints.Stages = map[string]StageHint{}
	}
	return hints, nil
}

// Save writes hints under the store's version. The file is replaced
// atomically so a crash mid-write leaves the previous cache intact.
func (s *Store) Save(h *Hints) error {
	out := Hints{Version: s.Version, Stages: map[string]StageHint{}}
	if h != nil {
		for k, v := range h.Stages {
			out.Stages[k] = v
		}
	}
	content, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("unable to encode hint cache: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("unable to create hint cache directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".hints-*.yaml")
	if err != nil {
		return fmt.Errorf("unable to create hint cache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to write hint cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to write hint cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("unable to replace hint cache %s: %w", s.Path, err)
	}
	s.log.V(3).Info("saved hint cache", "path", s.Path, "stages", len(out.Stages))
	return nil
}

// Discard deletes the cache file, if any.
func (s *Store) Discard() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unable to discard hint cache %s: %w", s.Path, err)
	}
	return nil
}
