package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"

	"github.com/robodyne/robosync/internal/model"
)

// Store is an in-process record store, used for dry runs, local development and tests.
type Store struct {
	mu     sync.Mutex
	owners map[string]map[string]model.Fields
	newID  func() string
}

// New creates an empty in-memory record store.
func New() *Store {
	return &Store{
		owners: make(map[string]map[string]model.Fields),
		newID:  uuid.NewString,
	}
}

// List returns copies of all documents held for the owner, ordered by id.
func (s *Store) List(_ context.Context, ownerID string) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.owners[ownerID]
	docs := make([]model.Document, 0, len(records))

	for id, fields := range records {
		docs = append(docs, model.Document{ID: id, Fields: copyFields(fields)})
	}

	model.SortDocuments(docs)

	return docs, nil
}

// Insert stores a new document and returns its generated id.
func (s *Store) Insert(_ context.Context, ownerID string, fields model.Fields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.owners[ownerID]
	if !ok {
		records = make(map[string]model.Fields)
		s.owners[ownerID] = records
	}

	id := s.newID()
	for _, exists := records[id]; exists; _, exists = records[id] {
		id = s.newID()
	}

	records[id] = copyFields(fields)

	return id, nil
}

// Patch merges fields into an existing document.
func (s *Store) Patch(_ context.Context, ownerID, id string, fields model.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.owners[ownerID][id]
	if !ok {
		return errors.Wrap(model.ErrNotFound, id)
	}

	for k, v := range copyFields(fields) {
		current[k] = v
	}

	return nil
}

// Delete removes a document.
func (s *Store) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[ownerID][id]; !ok {
		return errors.Wrap(model.ErrNotFound, id)
	}

	delete(s.owners[ownerID], id)

	if len(s.owners[ownerID]) == 0 {
		delete(s.owners, ownerID)
	}

	return nil
}

func copyFields(fields model.Fields) model.Fields {
	if fields == nil {
		return model.Fields{}
	}

	return copystructure.Must(copystructure.Copy(fields)).(model.Fields)
}
