package detect

import (
	"embed"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/surveyscreen/pkg/geo"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// legacyPrefix is accepted in front of method names.
const legacyPrefix = "check_"

// Registry is the closed set of methods a flag sheet may name, each with a
// compiled parameter schema.
type Registry struct {
	methods map[string]Method
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]Method),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a method and compiles its schema.
func (r *Registry) Register(m Method) error {
	name := m.Name()
	if _, dup := r.methods[name]; dup {
		return fmt.Errorf("method %q already registered", name)
	}
	if schema := m.Schema(); schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://surveyscreen.schemas.local/detect/%s.schema.json", name)
		if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
			return fmt.Errorf("method %s schema load failed: %w", name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return fmt.Errorf("method %s schema compile failed: %w", name, err)
		}
		r.schemas[name] = compiled
	}
	r.methods[name] = m
	return nil
}

// Canonical strips the legacy check_ prefix.
func Canonical(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), legacyPrefix)
}

// Lookup finds a method by name, with or without the check_ prefix.
func (r *Registry) Lookup(name string) (Method, bool) {
	m, ok := r.methods[Canonical(name)]
	return m, ok
}

// Known implements ruleset.Catalog.
func (r *Registry) Known(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// ValidateParameters implements ruleset.Catalog.
func (r *Registry) ValidateParameters(name string, document map[string]any) error {
	canonical := Canonical(name)
	if _, ok := r.methods[canonical]; !ok {
		return fmt.Errorf("unknown method %q", name)
	}
	schema, ok := r.schemas[canonical]
	if !ok {
		return nil
	}
	if err := schema.Validate(document); err != nil {
		return fmt.Errorf("%s parameters: schema validation failed: %w", canonical, err)
	}
	return nil
}

// Names lists registered methods alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependencies are the collaborators some methods need.
type Dependencies struct {
	IPLocator geo.IPLocator
	Countries geo.CountryResolver
	Logger    *slog.Logger
}

// Default registers every built-in method.
func Default(deps Dependencies) (*Registry, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "detect")

	r := NewRegistry()
	for _, m := range []Method{
		ValueInRange{},
		CustomCondition{},
		ReverseCodedResponse{},
		SuspiciousCharacter{Logger: logger},
		SuspiciousName{},
		IPLocation{Locator: deps.IPLocator},
		LatLongLocation{Resolver: deps.Countries},
		MultipleIPAttempts{},
		BurstResponses{},
		DuplicatedText{},
	} {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// schemaFor returns the embedded schema document of a method.
func schemaFor(name string) string {
	data, err := schemaFS.ReadFile(path.Join("schemas", name+".schema.json"))
	if err != nil {
		return ""
	}
	return string(data)
}
