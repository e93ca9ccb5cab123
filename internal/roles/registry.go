// Package roles maps logical model roles to concrete backend models and
// persists that mapping as a single YAML document shared by all sessions.
package roles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/normanking/loom/internal/atomicfile"
	"github.com/normanking/loom/internal/config"
	"github.com/normanking/loom/internal/llm"
)

// Role is a logical model slot independent of the model that fills it.
type Role string

const (
	RoleReasoning Role = "reasoning"
	RoleFast      Role = "fast"
)

// All returns every role in display order.
func All() []Role {
	return []Role{RoleReasoning, RoleFast}
}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleReasoning:
		return RoleReasoning, nil
	case RoleFast:
		return RoleFast, nil
	default:
		return "", fmt.Errorf("unknown role %q (want reasoning or fast)", s)
	}
}

// Registry errors. Use errors.Is to test for these.
var (
	// ErrRoleUnconfigured means no model is assigned to the role.
	ErrRoleUnconfigured = errors.New("role unconfigured")

	// ErrModelUnavailable means a candidate model failed its availability check.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrConfigCorrupt means the registry document could not be parsed.
	ErrConfigCorrupt = config.ErrConfigCorrupt
)

// ModelDescriptor binds a role to a concrete model on a backend.
type ModelDescriptor struct {
	Role        Role            `yaml:"role" json:"role"`
	Backend     llm.BackendKind `yaml:"backend" json:"backend"`
	ModelID     string          `yaml:"model_id" json:"model_id"`
	DisplayName string          `yaml:"display_name,omitempty" json:"display_name,omitempty"`
}

// Label returns the display name, falling back to backend/model.
func (d ModelDescriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return fmt.Sprintf("%s/%s", d.Backend, d.ModelID)
}

// document is the on-disk encoding of the registry.
type document struct {
	Version   int                      `yaml:"version"`
	UpdatedAt time.Time                `yaml:"updated_at"`
	Roles     map[Role]ModelDescriptor `yaml:"roles"`
}

const documentVersion = 1

// Registry is the process's owned view of role assignments. It is safe for
// concurrent use, and Set is additionally serialized across processes with
// an advisory file lock.
type Registry struct {
	path     string
	adapters map[llm.BackendKind]llm.Adapter
	defaults map[Role]ModelDescriptor

	mu     sync.RWMutex
	active map[Role]ModelDescriptor
}

// NewRegistry creates a registry persisted at path. defaults fill roles the
// document does not assign, and replace the document entirely when it is
// corrupt. Call Load before use.
func NewRegistry(path string, adapters map[llm.BackendKind]llm.Adapter, defaults map[Role]ModelDescriptor) *Registry {
	r := &Registry{
		path:     path,
		adapters: adapters,
		defaults: make(map[Role]ModelDescriptor, len(defaults)),
		active:   make(map[Role]ModelDescriptor),
	}
	for role, d := range defaults {
		d.Role = role
		r.defaults[role] = d
		r.active[role] = d
	}
	return r
}

// DefaultsFromConfig converts configured fallback roles into descriptors.
func DefaultsFromConfig(cfg config.RolesConfig) (map[Role]ModelDescriptor, error) {
	out := make(map[Role]ModelDescriptor, len(cfg.Defaults))
	for name, d := range cfg.Defaults {
		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		kind, err := llm.ParseBackendKind(d.Backend)
		if err != nil {
			return nil, fmt.Errorf("roles.defaults.%s: %w", name, err)
		}
		out[role] = ModelDescriptor{Role: role, Backend: kind, ModelID: d.Model, DisplayName: d.DisplayName}
	}
	return out, nil
}

// Path returns the registry document location.
func (r *Registry) Path() string {
	return r.path
}

// Load reads the persisted document. A missing document leaves the defaults
// in place. A corrupt document also leaves the defaults in place and returns
// an error wrapping ErrConfigCorrupt, which callers treat as a warning.
func (r *Registry) Load() error {
	lock, err := atomicfile.LockShared(r.path)
	if err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer lock.Unlock()

	doc, err := readDocument(r.path)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = r.withDefaults(nil)
	if err != nil {
		if errors.Is(err, ErrConfigCorrupt) {
			log.Warn().Err(err).Str("path", r.path).Msg("role registry corrupt, falling back to defaults")
		}
		return err
	}
	if doc != nil {
		r.active = r.withDefaults(doc.Roles)
	}
	return nil
}

// Get returns the descriptor assigned to role. It never touches the network.
func (r *Registry) Get(role Role) (ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.active[role]
	if !ok || d.ModelID == "" {
		return ModelDescriptor{}, fmt.Errorf("%w: no model assigned to role %q", ErrRoleUnconfigured, role)
	}
	return d, nil
}

// All returns a snapshot of every assigned role.
func (r *Registry) All() map[Role]ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Role]ModelDescriptor, len(r.active))
	for role, d := range r.active {
		out[role] = d
	}
	return out
}

// Adapter returns the adapter serving kind.
func (r *Registry) Adapter(kind llm.BackendKind) (llm.Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok || a == nil {
		return nil, fmt.Errorf("no adapter configured for backend %q", kind)
	}
	return a, nil
}

// Set validates d against its backend and, if the model is available,
// persists it as the active descriptor for role.
func (r *Registry) Set(ctx context.Context, role Role, d ModelDescriptor) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if d.Role != "" && d.Role != role {
		return fmt.Errorf("descriptor role %q does not match %q", d.Role, role)
	}
	d.Role = role

	adapter, err := r.Adapter(d.Backend)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	av := adapter.CheckAvailability(ctx, d.ModelID)
	if !av.Available {
		return fmt.Errorf("%w: %s/%s: %s", ErrModelUnavailable, d.Backend, d.ModelID, av.Reason)
	}

	return r.update(func(roles map[Role]ModelDescriptor) {
		roles[role] = d
	})
}

// Unset removes the persisted assignment for role. The configured default,
// if any, becomes active again.
func (r *Registry) Unset(role Role) error {
	return r.update(func(roles map[Role]ModelDescriptor) {
		delete(roles, role)
	})
}

// update applies fn to the on-disk roles under an exclusive lock and writes
// the result atomically.
func (r *Registry) update(fn func(map[Role]ModelDescriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := atomicfile.LockExclusive(r.path)
	if err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer lock.Unlock()

	// Re-read under the lock so changes made by other processes to other
	// roles are preserved.
	doc, err := readDocument(r.path)
	if err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("overwriting unreadable role registry")
		doc = nil
	}
	roles := make(map[Role]ModelDescriptor)
	if doc != nil {
		for role, d := range doc.Roles {
			roles[role] = d
		}
	}

	fn(roles)

	out := document{
		Version:   documentVersion,
		UpdatedAt: time.Now().UTC(),
		Roles:     roles,
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := atomicfile.WriteFile(r.path, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}

	r.active = r.withDefaults(roles)
	log.Info().Str("path", r.path).Int("roles", len(roles)).Msg("role registry saved")
	return nil
}

// ListAvailable performs live discovery on kind's backend. It can be slow
// and is only called on explicit request.
func (r *Registry) ListAvailable(ctx context.Context, kind llm.BackendKind) ([]ModelDescriptor, error) {
	adapter, err := r.Adapter(kind)
	if err != nil {
		return nil, err
	}
	models, err := adapter.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ModelDescriptor, 0, len(models))
	for _, m := range models {
		out = append(out, ModelDescriptor{
			Backend:     kind,
			ModelID:     m.ID,
			DisplayName: m.ID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// withDefaults overlays assigned roles on the configured defaults.
// Caller must hold r.mu.
func (r *Registry) withDefaults(assigned map[Role]ModelDescriptor) map[Role]ModelDescriptor {
	out := make(map[Role]ModelDescriptor, len(r.defaults)+len(assigned))
	for role, d := range r.defaults {
		out[role] = d
	}
	for role, d := range assigned {
		out[role] = d
	}
	return out
}

// readDocument returns nil, nil when the file does not exist.
func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrConfigCorrupt, path)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigCorrupt, path, err)
	}
	for role, d := range doc.Roles {
		if _, err := ParseRole(string(role)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigCorrupt, path, err)
		}
		kind, err := llm.ParseBackendKind(string(d.Backend))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: role %s: %v", ErrConfigCorrupt, path, role, err)
		}
		if d.ModelID == "" {
			return nil, fmt.Errorf("%w: %s: role %s has no model_id", ErrConfigCorrupt, path, role)
		}
		d.Role = role
		d.Backend = kind
		doc.Roles[role] = d
	}
	return &doc, nil
}
