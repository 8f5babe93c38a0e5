package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mixer-backend/models"
)

const (
	snapshotPattern = "kv_snapshot_*.json"
	snapshotLayout  = "20060102150405.000"
)

// SnapshotEntry is one key of the store in human readable form.
type SnapshotEntry struct {
	Key     Key             `json:"key"`
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value"`
}

type snapshotFile struct {
	path      string
	timestamp time.Time
}

// Snapshotter periodically dumps the whole store into timestamped JSON
// files and keeps only the most recent ones.
type Snapshotter struct {
	store   AtomicStore
	dataDir string
	keep    int
	log     zerolog.Logger
	mutex   sync.Mutex
}

func NewSnapshotter(store AtomicStore, dataDir string, keep int, log zerolog.Logger) (*Snapshotter, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if keep < 1 {
		keep = 1
	}

	return &Snapshotter{
		store:   store,
		dataDir: absPath,
		keep:    keep,
		log:     log.With().Str("component", "snapshots").Logger(),
	}, nil
}

// Dump reads every coordinator key and renders its value as JSON.
func (s *Snapshotter) Dump(ctx context.Context) ([]SnapshotEntry, error) {
	return Dump(ctx, s.store)
}

// Dump renders every coordinator key of store as JSON.
func Dump(ctx context.Context, store AtomicStore) ([]SnapshotEntry, error) {
	var dump []SnapshotEntry
	for _, prefix := range AllPrefixes() {
		entries, err := store.ListByPrefix(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("could not list %s: %w", prefix, err)
		}
		for _, e := range entries {
			value, err := displayValue(e)
			if err != nil {
				return nil, err
			}
			dump = append(dump, SnapshotEntry{Key: e.Key, Version: e.Version, Value: value})
		}
	}
	return dump, nil
}

func displayValue(e Entry) (json.RawMessage, error) {
	var v interface{}
	switch e.Key[0] {
	case prefixQueue:
		v = &models.QueueEntry{}
	case prefixCeremony:
		v = &models.Ceremony{}
	case prefixHistory:
		v = &models.CeremonyRecord{}
	case prefixCancelled:
		v = &models.CancelledCeremony{}
	case prefixBlacklist:
		v = &models.BlacklistEntry{}
	case prefixWatchdog:
		v = new(time.Time)
	default:
		v = new(string)
	}

	if err := e.Decode(v); err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", e.Key, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not render %s: %w", e.Key, err)
	}
	return data, nil
}

// Save writes a new snapshot file and removes the ones beyond the
// retention count. It returns the path of the new file.
func (s *Snapshotter) Save(ctx context.Context) (string, error) {
	dump, err := s.Dump(ctx)
	if err != nil {
		return "", err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	filename := filepath.Join(s.dataDir, fmt.Sprintf("kv_snapshot_%s.json", time.Now().UTC().Format(snapshotLayout)))
	if err := WriteJSONFile(filename, dump); err != nil {
		return "", err
	}

	if err := s.cleanupOldFiles(); err != nil {
		s.log.Warn().Err(err).Msg("failed to clean up old snapshots")
	}

	s.log.Debug().Int("entries", len(dump)).Str("file", filename).Msg("saved store snapshot")
	return filename, nil
}

// Latest returns the path of the most recent snapshot, or "" when there is none.
func (s *Snapshotter) Latest() (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	files, err := s.snapshotFiles()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	return files[len(files)-1].path, nil
}

func LoadSnapshot(path string) ([]SnapshotEntry, error) {
	var dump []SnapshotEntry
	if err := ReadJSONFile(path, &dump); err != nil {
		return nil, err
	}
	return dump, nil
}

// Run saves a snapshot every interval until ctx is done. Failed saves are
// logged and retried on the next tick.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Save(ctx); err != nil {
				s.log.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// snapshotFiles lists snapshot files oldest first. The caller holds the mutex.
func (s *Snapshotter) snapshotFiles() ([]snapshotFile, error) {
	paths, err := filepath.Glob(filepath.Join(s.dataDir, snapshotPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var files []snapshotFile
	for _, path := range paths {
		base := filepath.Base(path)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, "kv_snapshot_"), ".json")
		timestamp, err := time.Parse(snapshotLayout, stamp)
		if err != nil {
			s.log.Warn().Str("file", base).Err(err).Msg("invalid timestamp in snapshot name")
			continue
		}
		files = append(files, snapshotFile{path: path, timestamp: timestamp})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].timestamp.Before(files[j].timestamp)
	})
	return files, nil
}

// cleanupOldFiles keeps the newest s.keep snapshots. The caller holds the mutex.
func (s *Snapshotter) cleanupOldFiles() error {
	files, err := s.snapshotFiles()
	if err != nil {
		return err
	}

	for i := 0; i < len(files)-s.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			s.log.Warn().Str("file", files[i].path).Err(err).Msg("failed to remove old snapshot")
			continue
		}
		s.log.Debug().Str("file", files[i].path).Msg("removed old snapshot")
	}
	return nil
}
