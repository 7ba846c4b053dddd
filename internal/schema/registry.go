// Package schema keeps a catalog of JSON Schemas for the documents fleet
// accepts, generated from the Go types that decode them.
package schema

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

// Provider builds the schema for a registered name.
type Provider func() *jsonschema.Schema

// Catalog maps names to lazily built schemas. Each provider runs at most once
// per registration.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	build func() *jsonschema.Schema
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Default holds the schemas registered by package init functions.
var Default = NewCatalog()

func Register(name string, provider Provider) error { return Default.Register(name, provider) }

func Resolve(name string) (*jsonschema.Schema, error) { return Default.Resolve(name) }

func Names() []string { return Default.Names() }

func Marshal(name string) ([]byte, error) { return Default.Marshal(name) }

// Register installs provider under name, replacing any earlier one.
func (c *Catalog) Register(name string, provider Provider) error {
	key := catalogKey(name)
	switch {
	case key == "":
		return fmt.Errorf("schema name is required for registration")
	case provider == nil:
		return fmt.Errorf("schema %s: provider is required", key)
	}
	c.mu.Lock()
	c.entries[key] = &entry{build: sync.OnceValue(func() *jsonschema.Schema { return provider() })}
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Resolve(name string) (*jsonschema.Schema, error) {
	key := catalogKey(name)
	if key == "" {
		return nil, fmt.Errorf("schema name is required for lookup")
	}
	c.mu.RLock()
	found, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown schema %q (known: %s)", key, strings.Join(c.Names(), ", "))
	}
	return found.build(), nil
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Marshal renders the named schema as indented JSON with a trailing newline.
func (c *Catalog) Marshal(name string) ([]byte, error) {
	s, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode schema %s: %w", catalogKey(name), err)
	}
	return append(payload, '\n'), nil
}

func catalogKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
