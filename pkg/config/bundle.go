package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kwstx/mandate/pkg/approval"
	"github.com/kwstx/mandate/pkg/authority"
	"github.com/kwstx/mandate/pkg/canonicalize"
)

// Bundle is a versioned collection of authority policies and routing
// rules, loadable without a code deployment.
type Bundle struct {
	Version      string                 `json:"version" yaml:"version"`
	Name         string                 `json:"name" yaml:"name"`
	Policies     []authority.Policy     `json:"policies,omitempty" yaml:"policies,omitempty"`
	RoutingRules []approval.RoutingRule `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`
	Hash         string                 `json:"hash,omitempty" yaml:"-"`
}

// bundleVersions constrains which bundle formats this loader accepts.
var bundleVersions, _ = semver.NewConstraint("^1.0.0")

// bundleSchema validates the raw document before it is trusted.
const bundleSchema = `{
  "type": "object",
  "required": ["version", "name"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["resource", "actions", "effect"],
        "properties": {
          "resource": {"type": "string", "minLength": 1},
          "actions": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "effect": {"enum": ["allow", "deny", "require_approval"]},
          "reason": {"type": "string"},
          "condition": {"type": "object"},
          "constraints": {"type": "object"}
        }
      }
    },
    "routing_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["domains"],
        "properties": {
          "name": {"type": "string"},
          "resource_pattern": {"type": "string"},
          "action_pattern": {"type": "string"},
          "amount_threshold": {"type": "number"},
          "cross_department": {"type": "boolean"},
          "domains": {
            "type": "array",
            "items": {"enum": ["managerial", "financial", "legal", "cross_departmental"]},
            "minItems": 1
          }
        }
      }
    }
  }
}`

// Loader loads and caches policy bundles from a directory.
type Loader struct {
	mu      sync.RWMutex
	dir     string
	bundles map[string]*Bundle
	schema  *jsonschema.Schema
}

// NewLoader creates a loader for .yaml bundles under dir.
func NewLoader(dir string) (*Loader, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bundle.schema.json", strings.NewReader(bundleSchema)); err != nil {
		return nil, fmt.Errorf("config: schema resource: %w", err)
	}
	schema, err := compiler.Compile("bundle.schema.json")
	if err != nil {
		return nil, fmt.Errorf("config: schema compile: %w", err)
	}
	return &Loader{
		dir:     dir,
		bundles: make(map[string]*Bundle),
		schema:  schema,
	}, nil
}

// LoadAll loads every *.yaml bundle in the directory, replacing the
// cache. Returns the loaded bundles sorted by file name.
func (l *Loader) LoadAll() ([]*Bundle, error) {
	entries, err := filepath.Glob(filepath.Join(l.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	loaded := make([]*Bundle, 0, len(entries))
	next := make(map[string]*Bundle, len(entries))
	for _, path := range entries {
		bundle, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		next[bundle.Name] = bundle
		loaded = append(loaded, bundle)
	}

	l.mu.Lock()
	l.bundles = next
	l.mu.Unlock()
	return loaded, nil
}

// LoadFile parses, schema-validates and hashes one bundle file.
func (l *Loader) LoadFile(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read bundle %s: %w", path, err)
	}

	// Schema validation runs over the JSON shape of the document.
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("config: parse bundle %s: %w", path, err)
	}
	jsonRaw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("config: normalize bundle %s: %w", path, err)
	}
	var doc interface{}
	if err := json.Unmarshal(jsonRaw, &doc); err != nil {
		return nil, err
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config: bundle %s failed schema validation: %w", path, err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("config: decode bundle %s: %w", path, err)
	}

	v, err := semver.NewVersion(bundle.Version)
	if err != nil {
		return nil, fmt.Errorf("config: bundle %s has invalid version %q", path, bundle.Version)
	}
	if !bundleVersions.Check(v) {
		return nil, fmt.Errorf("config: bundle %s version %s is unsupported", path, bundle.Version)
	}

	hash, err := canonicalize.CanonicalHash(bundle)
	if err != nil {
		return nil, err
	}
	bundle.Hash = hash
	return &bundle, nil
}

// Get returns a cached bundle by name.
func (l *Loader) Get(name string) (*Bundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[name]
	return b, ok
}

// Policies returns all cached policies across bundles.
func (l *Loader) Policies() []authority.Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []authority.Policy
	for _, b := range l.bundles {
		out = append(out, b.Policies...)
	}
	return out
}

// RoutingRules returns all cached routing rules across bundles.
func (l *Loader) RoutingRules() []approval.RoutingRule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []approval.RoutingRule
	for _, b := range l.bundles {
		out = append(out, b.RoutingRules...)
	}
	return out
}
