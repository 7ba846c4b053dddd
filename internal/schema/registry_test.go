package schema

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

func TestCatalogBuildsOncePerRegistration(t *testing.T) {
	catalog := NewCatalog()

	calls := 0
	if err := catalog.Register(" Probe ", func() *jsonschema.Schema {
		calls++
		return &jsonschema.Schema{Title: "probe"}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := catalog.Resolve("PROBE")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := catalog.Resolve("probe")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second || calls != 1 {
		t.Fatalf("expected one cached build, got %d calls", calls)
	}

	if err := catalog.Register("probe", func() *jsonschema.Schema { return &jsonschema.Schema{Title: "replaced"} }); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	replaced, _ := catalog.Resolve("probe")
	if replaced.Title != "replaced" {
		t.Fatalf("expected re-registration to replace the built schema")
	}
}

func TestCatalogErrors(t *testing.T) {
	catalog := NewCatalog()

	if err := catalog.Register("  ", func() *jsonschema.Schema { return nil }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := catalog.Register("probe", nil); err == nil {
		t.Fatal("expected nil provider error")
	}
	if _, err := catalog.Resolve(""); err == nil {
		t.Fatal("expected empty lookup error")
	}
	_ = catalog.Register("known", func() *jsonschema.Schema { return &jsonschema.Schema{} })
	_, err := catalog.Resolve("missing")
	if err == nil || !strings.Contains(err.Error(), "known") {
		t.Fatalf("expected unknown schema error listing names, got %v", err)
	}
	if _, err := catalog.Marshal("missing"); err == nil {
		t.Fatal("expected marshal of unknown schema to fail")
	}
}

type sample struct {
	Name  string   `json:"name" jsonschema:"required"`
	Tags  []string `json:"tags,omitempty"`
	Inner struct {
		Depth int `json:"depth"`
	} `json:"inner"`
}

type tree struct {
	Label    string `json:"label"`
	Children []tree `json:"children,omitempty"`
}

func TestGenerateClosedSchema(t *testing.T) {
	s := Generate(sample{})
	if s.Version != jsonschema.Version {
		t.Fatalf("expected version %q, got %q", jsonschema.Version, s.Version)
	}
	if s.Type != "object" || len(s.Required) != 1 || s.Required[0] != "name" {
		t.Fatalf("unexpected schema %+v", s)
	}
	inner, ok := s.Properties.Get("inner")
	if !ok || inner.Type != "object" {
		t.Fatalf("expected inner struct expanded in place")
	}
}

func TestMarshalReferencedSchema(t *testing.T) {
	catalog := NewCatalog()
	if err := catalog.Register("tree", func() *jsonschema.Schema { return GenerateReferenced(tree{}) }); err != nil {
		t.Fatalf("register: %v", err)
	}
	payload, err := catalog.Marshal("tree")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if decoded["additionalProperties"] != false {
		t.Fatalf("expected closed schema, got %v", decoded["additionalProperties"])
	}
	if !strings.Contains(string(payload), "#/$defs/tree") {
		t.Fatalf("expected recursive reference, got %s", payload)
	}
	if names := catalog.Names(); len(names) != 1 || names[0] != "tree" {
		t.Fatalf("unexpected names %v", names)
	}
}
