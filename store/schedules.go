package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scholium/scholium/scherr"
)

// ScheduleEntry is one persisted schedule. Pipeline is the unique key.
type ScheduleEntry struct {
	Pipeline string `yaml:"pipeline" json:"pipeline"`
	Cron     string `yaml:"cron" json:"cron"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	// NextRun is the wall-clock time of the next fire. Recomputed from the
	// cron expression on process start; missed runs are not backfilled.
	NextRun    time.Time `yaml:"next_run,omitempty" json:"next_run,omitempty"`
	LastRun    time.Time `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	LastStatus string    `yaml:"last_status,omitempty" json:"last_status,omitempty"`
	Diff       bool      `yaml:"diff" json:"diff"`
	Notify     bool      `yaml:"notify" json:"notify"`
	RunCount   int       `yaml:"run_count" json:"run_count"`
}

// Schedules returns every persisted schedule entry, sorted by pipeline name.
func (s *Store) Schedules(ctx context.Context) ([]ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readSchedules()
}

// Schedule returns one entry by pipeline name.
func (s *Store) Schedule(ctx context.Context, name string) (ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := s.readSchedules()
	if err != nil {
		return ScheduleEntry{}, err
	}
	for _, e := range entries {
		if e.Pipeline == name {
			return e, nil
		}
	}
	return ScheduleEntry{}, scherr.Newf(scherr.NotFound, "no schedule for pipeline %q", name)
}

// PutSchedule inserts or replaces the entry keyed by its pipeline name. The
// file is rewritten synchronously.
func (s *Store) PutSchedule(ctx context.Context, entry ScheduleEntry) error {
	if !nameRE.MatchString(entry.Pipeline) {
		return scherr.Newf(scherr.InvalidInput, "invalid pipeline name %q", entry.Pipeline)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readSchedules()
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if entries[i].Pipeline == entry.Pipeline {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Pipeline < entries[j].Pipeline })
	return s.writeSchedules(entries)
}

// DeleteSchedule removes the entry for a pipeline.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteScheduleLocked(name)
}

// deleteScheduleLocked removes one schedule entry. Callers hold the write
// lock.
func (s *Store) deleteScheduleLocked(name string) error {
	entries, err := s.readSchedules()
	if err != nil {
		return err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.Pipeline == name {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return scherr.Newf(scherr.NotFound, "no schedule for pipeline %q", name)
	}
	return s.writeSchedules(kept)
}

func (s *Store) schedulesPath() string {
	return filepath.Join(s.global, "schedules.yaml")
}

// readSchedules loads the schedule file. A missing file is an empty list.
// Callers hold at least the read lock.
func (s *Store) readSchedules() ([]ScheduleEntry, error) {
	data, err := os.ReadFile(s.schedulesPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "read schedules")
	}
	var entries []ScheduleEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "decode schedules")
	}
	return entries, nil
}

// writeSchedules persists the schedule file. Callers hold the write lock.
func (s *Store) writeSchedules(entries []ScheduleEntry) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return scherr.Wrapf(scherr.Internal, err, "encode schedules")
	}
	if err := writeFileAtomic(s.schedulesPath(), data); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "write schedules")
	}
	return nil
}
