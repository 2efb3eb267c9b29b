package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jonathan/novel-creator/internal/types"
)

const catalogFile = "catalog.json"

// Template is one stage prompt addressable by id
type Template struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	Stage  types.StageType `json:"stage"`
	System string          `json:"system"`
	User   string          `json:"user"`
}

// Group maps each stage to a template id. A task bound to a group
// cannot change its prompts.
type Group struct {
	ID     int64                     `json:"id"`
	Name   string                    `json:"name"`
	Stages map[types.StageType]int64 `json:"stages"`
}

// NotFoundError is returned for unknown template or group ids
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("prompt %s %d not found", e.Kind, e.ID)
}

// Catalog is a concurrency-safe registry of templates and groups
type Catalog struct {
	mu        sync.RWMutex
	templates map[int64]Template
	groups    map[int64]Group
}

// NewCatalog returns an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		templates: make(map[int64]Template),
		groups:    make(map[int64]Group),
	}
}

// LoadDefaultCatalog builds a catalog from the embedded default templates.
// It fails when an auxiliary prompt in WritingFile is missing.
func LoadDefaultCatalog() (*Catalog, error) {
	missing, err := Missing(WritingFile, WritingKeys)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s is missing prompts: %s", WritingFile, strings.Join(missing, ", "))
	}

	data, err := promptFiles.ReadFile(catalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt catalog: %w", err)
	}

	var raw struct {
		Templates []Template `json:"templates"`
		Groups    []Group    `json:"groups"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalog: %w", err)
	}

	c := NewCatalog()
	for _, t := range raw.Templates {
		if err := c.Register(t); err != nil {
			return nil, err
		}
	}
	for _, g := range raw.Groups {
		if err := c.RegisterGroup(g); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds or replaces a template
func (c *Catalog) Register(t Template) error {
	if t.ID <= 0 {
		return fmt.Errorf("template id must be positive, got %d", t.ID)
	}
	if t.User == "" {
		return fmt.Errorf("template %d has an empty user prompt", t.ID)
	}
	c.mu.Lock()
	c.templates[t.ID] = t
	c.mu.Unlock()
	return nil
}

// RegisterGroup adds or replaces a group. Every referenced template must exist.
func (c *Catalog) RegisterGroup(g Group) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for stage, id := range g.Stages {
		if !stage.Valid() {
			return fmt.Errorf("group %d references unknown stage %q", g.ID, stage)
		}
		if _, ok := c.templates[id]; !ok {
			return fmt.Errorf("group %d references missing template %d", g.ID, id)
		}
	}
	c.groups[g.ID] = g
	return nil
}

// Template returns a template by id
func (c *Catalog) Template(id int64) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.templates[id]
	if !ok {
		return Template{}, &NotFoundError{Kind: "template", ID: id}
	}
	return t, nil
}

// GroupPrompt returns the template id a group assigns to stage.
// ok is false when the group exists but leaves the stage unset.
func (c *Catalog) GroupPrompt(groupID int64, stage types.StageType) (id int64, ok bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, exists := c.groups[groupID]
	if !exists {
		return 0, false, &NotFoundError{Kind: "group", ID: groupID}
	}
	id, ok = g.Stages[stage]
	return id, ok, nil
}

// HasGroup reports whether the group id is known
func (c *Catalog) HasGroup(groupID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.groups[groupID]
	return ok
}
