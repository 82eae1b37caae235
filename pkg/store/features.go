package store

import (
	"context"
	"sync"
)

// Features is the persisted flag set gating which injected controls and
// operations are active. It is created with defaults on first run and
// mutated only by the options UI.
type Features struct {
	TransferChanges           bool   `json:"transferChanges"`
	ImportExportDeleteChanges bool   `json:"importExportDeleteChanges"`
	RevertChanges             bool   `json:"revertChanges"`
	CopyNames                 bool   `json:"copyNames"`
	CopyNamesID               bool   `json:"copyNamesID"`
	PrioritizeScrape          bool   `json:"prioritizeScrape"`
	LogLevel                  string `json:"logLevel"`
}

// DefaultFeatures returns the first-run flag set. Everything is on except
// prioritizeScrape, which the user must opt into.
func DefaultFeatures() Features {
	return Features{
		TransferChanges:           true,
		ImportExportDeleteChanges: true,
		RevertChanges:             true,
		CopyNames:                 true,
		CopyNamesID:               true,
		PrioritizeScrape:          false,
		LogLevel:                  "info",
	}
}

// FeatureStore reads and writes the flag record.
type FeatureStore interface {
	Get(ctx context.Context) (Features, error)
	Set(ctx context.Context, f Features) error
}

// MemoryFeatureStore is the in-memory FeatureStore, seeded with defaults.
type MemoryFeatureStore struct {
	mu       sync.RWMutex
	features Features
}

// NewMemoryFeatureStore creates a MemoryFeatureStore holding the defaults.
func NewMemoryFeatureStore() *MemoryFeatureStore {
	return &MemoryFeatureStore{features: DefaultFeatures()}
}

func (s *MemoryFeatureStore) Get(_ context.Context) (Features, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features, nil
}

func (s *MemoryFeatureStore) Set(_ context.Context, f Features) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = f
	return nil
}
