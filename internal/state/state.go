// Package state persists a tenant's registry snapshot across restarts:
// open tickets, counters, and the set of already-delivered update IDs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zulandar/ticketline/internal/ticket"
)

// Snapshot is the on-disk document.
type Snapshot struct {
	SavedAt   time.Time                `json:"saved_at"`
	Tickets   map[string]ticket.Record `json:"tickets"`
	Counters  ticket.Counters          `json:"counters"`
	Processed []string                 `json:"processed_update_ids,omitempty"`
}

// Store reads and writes one tenant's snapshot file.
type Store struct {
	path string

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewStore creates a Store for the given file path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state: file path is required")
	}
	return &Store{path: path}, nil
}

// Load reads the snapshot. A missing file is a fresh start, not an error.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Snapshot{Tickets: make(map[string]ticket.Record)}, nil
		}
		return nil, fmt.Errorf("state: read %s: %w", s.path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", s.path, err)
	}
	if snap.Tickets == nil {
		snap.Tickets = make(map[string]ticket.Record)
	}
	return &snap, nil
}

// Save writes the snapshot via a temp file and rename, so a crash
// mid-write never leaves a truncated state file behind.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.SavedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("state: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: replace %s: %w", s.path, err)
	}
	return nil
}

// StartAutosave saves on the given interval until StopAutosave is called.
// The collect callback assembles the current snapshot.
func (s *Store) StartAutosave(interval time.Duration, collect func() *Snapshot) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if err := s.Save(collect()); err != nil {
					log.Printf("state: autosave failed: %v", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutosave halts the autosave loop and waits for it to exit. The
// caller performs the final save itself as part of shutdown.
func (s *Store) StopAutosave() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
