package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/normanking/loom/internal/atomicfile"
	"github.com/normanking/loom/internal/config"
)

// ErrConfigCorrupt means a stored document could not be parsed.
var ErrConfigCorrupt = config.ErrConfigCorrupt

const metaFile = "meta.yaml"

// Store keeps one YAML document per project under dir/<project_id>/.
// Reads are snapshots and saves replace the whole document atomically.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(projectID string) (string, error) {
	id := strings.TrimSpace(projectID)
	if id == "" {
		return "", fmt.Errorf("project id is empty")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid project id %q", projectID)
	}
	return filepath.Join(s.dir, id, metaFile), nil
}

// Load returns the stored document for projectID, or an empty default when
// none exists yet. A corrupt document yields the default together with an
// error wrapping ErrConfigCorrupt.
func (s *Store) Load(projectID string) (*Meta, error) {
	path, err := s.path(projectID)
	if err != nil {
		return Default(), err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("read project meta: %w", err)
	}

	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		log.Warn().Err(err).Str("project", projectID).Str("path", path).Msg("project meta corrupt, using defaults")
		return Default(), fmt.Errorf("%w: %s: %v", ErrConfigCorrupt, path, err)
	}
	return normalize(&meta), nil
}

// Save writes meta for projectID atomically and stamps LastUpdated.
func (s *Store) Save(projectID string, meta *Meta) error {
	path, err := s.path(projectID)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("meta is nil")
	}

	out := normalize(meta.Clone())
	out.LastUpdated = s.now().UTC()

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal project meta: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write project meta: %w", err)
	}
	meta.LastUpdated = out.LastUpdated
	return nil
}

// SyncResult reports the outcome of SyncFromAgents.
type SyncResult struct {
	Meta    *Meta
	Changed bool
	Report  MergeReport
}

// SyncFromAgents union-merges incoming into the stored document and saves
// it when anything changed. Reapplying the same sync is a no-op. ctx is
// only checked before the lock is taken; once the load-merge-save cycle
// starts it runs to completion.
func (s *Store) SyncFromAgents(ctx context.Context, projectID string, incoming *Meta, updatedBy string) (*SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(projectID)
	if err != nil {
		return nil, err
	}

	lock, err := atomicfile.LockExclusive(path)
	if err != nil {
		return nil, fmt.Errorf("lock project meta: %w", err)
	}
	defer lock.Unlock()

	existing, err := s.Load(projectID)
	if err != nil && !errors.Is(err, ErrConfigCorrupt) {
		return nil, err
	}

	merged, report := MergeWithReport(existing, incoming, StrategyUnion)

	// Timestamps and authorship alone do not count as a change.
	cmpA, cmpB := existing.Clone(), merged.Clone()
	cmpA.LastUpdated, cmpB.LastUpdated = time.Time{}, time.Time{}
	cmpA.UpdatedBy, cmpB.UpdatedBy = "", ""
	if reflect.DeepEqual(normalize(cmpA), normalize(cmpB)) && err == nil {
		return &SyncResult{Meta: existing, Changed: false, Report: report}, nil
	}

	if updatedBy != "" {
		merged.UpdatedBy = updatedBy
	}
	if err := s.Save(projectID, merged); err != nil {
		return nil, err
	}

	log.Info().
		Str("project", projectID).
		Str("updated_by", merged.UpdatedBy).
		Int("added_milestones", len(report.AddedMilestones)).
		Int("advanced", len(report.AdvancedStatuses)).
		Int("held", len(report.HeldStatuses)).
		Msg("project meta synced")

	return &SyncResult{Meta: merged, Changed: true, Report: report}, nil
}

// List returns the ids of projects with a stored document.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), metaFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
