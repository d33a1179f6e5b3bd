package durability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"zk-attendance-bridge/internal/types"
)

// OfflineUserStore is the on-disk mirror of the pre-warmed user set,
// implementing usercache.OfflineStore so lookups keep working fully
// offline.
type OfflineUserStore struct {
	mu   sync.Mutex
	path string
}

// NewOfflineUserStore opens the mirror file at appDataDir/offline-users.json.
func NewOfflineUserStore(appDataDir string) *OfflineUserStore {
	return &OfflineUserStore{path: filepath.Join(appDataDir, "offline-users.json")}
}

// SaveUsers overwrites the mirror atomically.
func (s *OfflineUserStore) SaveUsers(ctx context.Context, users []types.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal offline user mirror: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write offline user mirror: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// LookupByBiometricID scans the mirror for a matching user. A missing
// file is a clean "not found" rather than an error.
func (s *OfflineUserStore) LookupByBiometricID(ctx context.Context, id types.BiometricId) (types.UserRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.UserRecord{}, false, nil
		}
		return types.UserRecord{}, false, err
	}

	var users []types.UserRecord
	if err := json.Unmarshal(data, &users); err != nil {
		return types.UserRecord{}, false, fmt.Errorf("parse offline user mirror: %w", err)
	}
	for _, u := range users {
		if u.BiometricID == id {
			return u, true, nil
		}
	}
	return types.UserRecord{}, false, nil
}
