// Package modes holds the catalog of agent modes: named specializations that
// carry a system prompt, the knowledge tags used for retrieval, and the
// keywords auto routing looks for.
package modes

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/normanking/loom/internal/roles"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrUnknownMode is returned when a mode name is not in the catalog.
var ErrUnknownMode = errors.New("unknown agent mode")

// AgentMode is one entry of the catalog. It is immutable once loaded.
type AgentMode struct {
	Name          string     `yaml:"name" json:"name"`
	Description   string     `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPrompt  string     `yaml:"system_prompt" json:"system_prompt"`
	DomainTags    []string   `yaml:"domain_tags" json:"domain_tags"`
	Keywords      []string   `yaml:"keywords" json:"keywords"`
	PreferredRole roles.Role `yaml:"preferred_role,omitempty" json:"preferred_role,omitempty"`

	prompt  *template.Template
	keyword *regexp.Regexp
}

// PromptData is what a system prompt template can reference.
type PromptData struct {
	Mode      string
	ProjectID string
}

// Render executes the mode's system prompt template.
func (m *AgentMode) Render(data PromptData) (string, error) {
	if data.Mode == "" {
		data.Mode = m.Name
	}
	var buf bytes.Buffer
	if err := m.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt for %s: %w", m.Name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// MatchKeywords returns the mode keywords found in text, lowercased and
// without duplicates.
func (m *AgentMode) MatchKeywords(text string) []string {
	if m.keyword == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, hit := range m.keyword.FindAllString(text, -1) {
		hit = strings.ToLower(hit)
		if !seen[hit] {
			seen[hit] = true
			out = append(out, hit)
		}
	}
	return out
}

// compile prepares the template and keyword pattern.
func (m *AgentMode) compile() error {
	m.Name = strings.ToUpper(strings.TrimSpace(m.Name))
	if m.Name == "" {
		return fmt.Errorf("mode has no name")
	}
	if strings.TrimSpace(m.SystemPrompt) == "" {
		return fmt.Errorf("mode %s has no system_prompt", m.Name)
	}
	if m.PreferredRole != "" {
		role, err := roles.ParseRole(string(m.PreferredRole))
		if err != nil {
			return fmt.Errorf("mode %s: %w", m.Name, err)
		}
		m.PreferredRole = role
	}

	tmpl, err := template.New(m.Name).Option("missingkey=error").Parse(m.SystemPrompt)
	if err != nil {
		return fmt.Errorf("mode %s: parse system_prompt: %w", m.Name, err)
	}
	m.prompt = tmpl

	// Build regex pattern from keywords
	var escaped []string
	for _, kw := range m.Keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			escaped = append(escaped, regexp.QuoteMeta(kw))
		}
	}
	if len(escaped) > 0 {
		m.keyword = regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)`)
	}
	return nil
}

// Catalog is the set of agent modes available to the process.
type Catalog struct {
	modes map[string]*AgentMode
	order []string
}

type catalogFile struct {
	Modes []*AgentMode `yaml:"modes"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("modes: built-in catalog invalid: %v", err))
	}
	return c
}

// Load returns the built-in catalog overlaid with the modes in overridePath.
// Entries in the override replace built-in modes of the same name. An empty
// or missing overridePath yields the built-in catalog.
func Load(overridePath string) (*Catalog, error) {
	c := Default()
	if overridePath == "" {
		return c, nil
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", overridePath).Msg("no agent mode override file")
			return c, nil
		}
		return nil, fmt.Errorf("read mode catalog: %w", err)
	}

	override, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", overridePath, err)
	}
	for _, name := range override.order {
		if _, exists := c.modes[name]; !exists {
			c.order = append(c.order, name)
		}
		c.modes[name] = override.modes[name]
	}
	log.Debug().Str("path", overridePath).Int("modes", len(override.order)).Msg("agent mode overrides loaded")
	return c, nil
}

func parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mode catalog: %w", err)
	}
	c := &Catalog{modes: make(map[string]*AgentMode, len(f.Modes))}
	for _, m := range f.Modes {
		if m == nil {
			continue
		}
		if err := m.compile(); err != nil {
			return nil, err
		}
		if _, dup := c.modes[m.Name]; dup {
			return nil, fmt.Errorf("duplicate mode %s", m.Name)
		}
		c.modes[m.Name] = m
		c.order = append(c.order, m.Name)
	}
	return c, nil
}

// Get returns the mode called name, matched case-insensitively.
func (c *Catalog) Get(name string) (*AgentMode, error) {
	m, ok := c.modes[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownMode, name, strings.Join(c.order, ", "))
	}
	return m, nil
}

// Names returns mode names in catalog order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// All returns the modes in catalog order.
func (c *Catalog) All() []*AgentMode {
	out := make([]*AgentMode, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.modes[name])
	}
	return out
}
