// Package durability provides an append-only line-delimited JSON spill
// backing a cloud batcher, so every accepted punch survives a cloud
// outage, a process crash, or both at once. The append/rotate/drain/
// requeue-on-failure shape mirrors an offline-durable local queue,
// rebuilt here as a flat-file spill rather than a database.
package durability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/types"
)

const activeSpillName = "pending-attendance.json"

// Spill is the append-only NDJSON store backing offline durability.
type Spill struct {
	mu         sync.Mutex
	logger     *logrus.Entry
	dir        string
	activePath string
}

// NewSpill opens (creating if absent) the spill directory and runs the
// one-time legacy-array migration.
func NewSpill(logger *logrus.Logger, dir string) (*Spill, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill directory: %w", err)
	}
	s := &Spill{
		logger:     logger.WithField("component", "durability-spill"),
		dir:        dir,
		activePath: filepath.Join(dir, activeSpillName),
	}
	if err := s.migrateLegacy(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes one record to the active segment as a new
// DurableEnvelope, assigning it a ULID-derived record id.
func (s *Spill) Append(record types.AttendanceRecord) error {
	envelope := types.DurableEnvelope{
		AttendanceRecord: record,
		RecordID:         ulid.Make().String(),
		OfflineTimestamp: time.Now(),
		SyncStatus:       types.SyncPending,
	}
	envelope.DBID = envelope.RecordID
	return s.appendEnvelope(envelope)
}

func (s *Spill) appendEnvelope(envelope types.DurableEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.activePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open active spill: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to active spill: %w", err)
	}
	return nil
}

// Rotate atomically renames the active segment to a timestamped batch
// file so new appends land in a fresh active segment while a drain
// streams the old one. Returns "" if there is nothing to rotate.
func (s *Spill) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.activePath); os.IsNotExist(err) {
		return "", nil
	}

	batchPath := filepath.Join(s.dir, fmt.Sprintf("batch-%d.json", time.Now().UnixNano()))
	if err := os.Rename(s.activePath, batchPath); err != nil {
		return "", fmt.Errorf("rotate active spill: %w", err)
	}
	return batchPath, nil
}

// ListBatches returns every rotated-but-undrained batch file, oldest
// first.
func (s *Spill) ListBatches() ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(s.dir, "batch-*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}

// DrainFile streams path line by line, calling write for each
// envelope. Successfully written envelopes are dropped; failures are
// requeued into the active segment (idempotent on RecordID) before the
// drained file is deleted. If requeue fails, the file is kept so
// nothing is lost.
func (s *Spill) DrainFile(write func(types.DurableEnvelope) error, path string) (synced, failed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open batch file: %w", err)
	}

	var envelopes []types.DurableEnvelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e types.DurableEnvelope
		if jsonErr := json.Unmarshal([]byte(line), &e); jsonErr != nil {
			s.logger.WithError(jsonErr).Warn("skipping malformed spill line")
			continue
		}
		envelopes = append(envelopes, e)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, 0, fmt.Errorf("scan batch file: %w", scanErr)
	}

	var failedEnvelopes []types.DurableEnvelope
	for _, e := range envelopes {
		if werr := write(e); werr != nil {
			failed++
			failedEnvelopes = append(failedEnvelopes, e)
		} else {
			synced++
		}
	}

	if len(failedEnvelopes) > 0 {
		if requeueErr := s.requeue(failedEnvelopes); requeueErr != nil {
			return synced, failed, fmt.Errorf("requeue failed, keeping drained file %s: %w", path, requeueErr)
		}
	}

	if rmErr := os.Remove(path); rmErr != nil {
		return synced, failed, fmt.Errorf("remove drained batch: %w", rmErr)
	}
	return synced, failed, nil
}

// requeue appends each envelope back to the active segment, skipping
// any RecordID already present there so a retried or overlapping
// requeue never duplicates an entry.
func (s *Spill) requeue(envelopes []types.DurableEnvelope) error {
	seen, err := s.activeRecordIDs()
	if err != nil {
		return err
	}
	for _, e := range envelopes {
		if _, dup := seen[e.RecordID]; dup {
			s.logger.WithField("recordId", e.RecordID).Debug("skipping duplicate requeue")
			continue
		}
		if err := s.appendEnvelope(e); err != nil {
			return err
		}
		seen[e.RecordID] = struct{}{}
	}
	return nil
}

// activeRecordIDs reads the current active segment's RecordIDs so
// requeue can dedup against what is already pending.
func (s *Spill) activeRecordIDs() (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{})
	f, err := os.Open(s.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ids, nil
		}
		return nil, fmt.Errorf("open active spill for dedup check: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e types.DurableEnvelope
		if json.Unmarshal([]byte(line), &e) == nil {
			ids[e.RecordID] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan active spill for dedup check: %w", err)
	}
	return ids, nil
}

// migrateLegacy converts a prior JSON-array-formatted spill file into
// line-delimited form, once, at startup. A file that fails to parse as
// an array is backed up as .corrupt.bak rather than dropped.
func (s *Spill) migrateLegacy() error {
	data, err := os.ReadFile(s.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read active spill for migration check: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil
	}

	var envelopes []types.DurableEnvelope
	if err := json.Unmarshal(trimmed, &envelopes); err != nil {
		corruptPath := s.activePath + ".corrupt.bak"
		s.logger.WithError(err).Warn("legacy spill file failed to parse as an array, backing up as corrupt")
		return os.Rename(s.activePath, corruptPath)
	}

	tmpPath := s.activePath + ".migrating"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create migration scratch file: %w", err)
	}
	for _, e := range envelopes {
		b, merr := json.Marshal(e)
		if merr != nil {
			f.Close()
			return merr
		}
		if _, werr := f.Write(append(b, '\n')); werr != nil {
			f.Close()
			return werr
		}
	}
	f.Close()

	s.logger.WithField("count", len(envelopes)).Info("migrated legacy array-format spill to line-delimited JSON")
	return os.Rename(tmpPath, s.activePath)
}
