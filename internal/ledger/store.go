package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tsctl/tsctl/internal/mirror"
)

// Store persists the ledger document to a single JSON file. Writes go
// through write-to-temp + rename so a crash never leaves a torn ledger.
// The mutex serializes mutation within the process; cross-process locking
// is out of scope since the tool is single-user by design.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store backed by the given file path. The file is
// created on first Save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the ledger from disk. A missing file yields an empty document.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("ledger: read %s: %w", s.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ledger: parse %s: %w", s.path, err)
	}
	doc.normalize()
	return &doc, nil
}

// Save atomically writes the document to disk.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(doc)
}

func (s *Store) save(doc *Document) error {
	if err := mirror.WriteJSONFile(s.path, doc); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// Update loads the document, applies fn, and saves the result if fn
// succeeds. The whole sequence holds the store lock, so concurrent callers
// see each other's changes.
func (s *Store) Update(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}
