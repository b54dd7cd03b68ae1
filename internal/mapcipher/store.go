package mapcipher

import (
	"context"
	"encoding/json"
	"fmt"

	"clinical-phi-guard/internal/kvstore"
)

// MapStore persists sealed maps in a key-value store, keyed by encounter id.
type MapStore struct {
	kv kvstore.Store
}

// NewMapStore returns a MapStore backed by kv.
func NewMapStore(kv kvstore.Store) *MapStore {
	return &MapStore{kv: kv}
}

// Save writes s under encounterID, replacing any earlier seal.
func (s *MapStore) Save(ctx context.Context, encounterID string, sealed SealedMap) error {
	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("encode sealed map: %w", err)
	}
	if err := s.kv.Set(ctx, encounterID, data); err != nil {
		return fmt.Errorf("save sealed map %s: %w", encounterID, err)
	}
	return nil
}

// Load reads the sealed map for encounterID. A missing entry yields an error
// matching kvstore.ErrNotFound.
func (s *MapStore) Load(ctx context.Context, encounterID string) (SealedMap, error) {
	data, err := s.kv.Get(ctx, encounterID)
	if err != nil {
		return SealedMap{}, fmt.Errorf("load sealed map %s: %w", encounterID, err)
	}
	var sealed SealedMap
	if err := json.Unmarshal(data, &sealed); err != nil {
		return SealedMap{}, &DecryptionError{Reason: "decode sealed map", Err: err}
	}
	return sealed, nil
}

// Delete removes the sealed map for encounterID.
func (s *MapStore) Delete(ctx context.Context, encounterID string) error {
	if err := s.kv.Remove(ctx, encounterID); err != nil {
		return fmt.Errorf("delete sealed map %s: %w", encounterID, err)
	}
	return nil
}
