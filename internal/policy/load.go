package policy

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// schemaJSON constrains the policy file shape. Validation runs against the
// YAML document converted to JSON-compatible types, so a structurally invalid
// policy is rejected before it can become the live policy.
const schemaJSON = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "mode": {"enum": ["disabled", "observe", "enforce"]},
    "fs_read": {"type": "array", "items": {"type": "string"}},
    "fs_write": {"type": "array", "items": {"type": "string"}},
    "net_allowed": {"type": "array", "items": {"type": "string"}},
    "egress_budget": {"type": "integer", "minimum": 0},
    "cmd_allowed": {"type": "array", "items": {"type": "string"}},
    "cmd_denied": {"type": "array", "items": {"type": "string"}},
    "cmd_isolated": {"type": "array", "items": {"type": "string"}},
    "require_approval": {"type": "boolean"},
    "allow_shell_operators": {"type": "boolean"},
    "world_fs_mode": {"enum": ["writable", "readonly"]},
    "world": {
      "type": "object",
      "properties": {
        "reuse_session": {"type": "boolean"},
        "isolate_network": {"type": "boolean"},
        "enable_preload": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "limits": {
      "type": "object",
      "properties": {
        "max_memory_mb": {"type": "integer", "minimum": 0},
        "max_cpu_percent": {"type": "integer", "minimum": 0, "maximum": 100},
        "max_runtime_ms": {"type": "integer", "minimum": 0},
        "max_egress_bytes": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("policy.schema.json", schemaJSON)

// Load parses, validates, and hashes a policy file. The returned policy's
// Commit field is the blake3 content hash of the raw file bytes.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Parse validates raw YAML policy content and returns the decoded policy.
func Parse(raw []byte) (*Policy, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := compiledSchema.Validate(normalizeYAML(doc)); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if p.Mode == "" {
		p.Mode = ModeEnforce
	}
	if p.WorldFsMode == "" {
		p.WorldFsMode = FsWritable
	}
	p.Commit = Commit(raw)
	return p, nil
}

// Commit returns the content-addressed commit string for policy source bytes.
func Commit(raw []byte) string {
	sum := blake3.Sum256(raw)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// FindForCwd walks from cwd toward the filesystem root looking for a
// .worldbox/policy.yaml, then falls back to ~/.worldbox/policy.yaml. It
// returns the loaded policy and its source path, or the built-in default with
// an empty path when nothing is found.
func FindForCwd(cwd string) (*Policy, string, error) {
	dir := cwd
	for {
		candidate := filepath.Join(dir, ".worldbox", "policy.yaml")
		if _, err := os.Stat(candidate); err == nil {
			p, err := Load(candidate)
			if err != nil {
				return nil, "", err
			}
			return p, candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".worldbox", "policy.yaml")
		if _, err := os.Stat(candidate); err == nil {
			p, err := Load(candidate)
			if err != nil {
				return nil, "", err
			}
			return p, candidate, nil
		}
	}

	return Default(), "", nil
}

// normalizeYAML converts YAML-decoded values into the JSON-compatible shapes
// the schema validator expects (string-keyed maps, json.Number integers).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return json.Number(fmt.Sprint(t))
	case int64:
		return json.Number(fmt.Sprint(t))
	case uint64:
		return json.Number(fmt.Sprint(t))
	case float64:
		s := fmt.Sprint(t)
		if !strings.ContainsAny(s, ".eE") {
			return json.Number(s)
		}
		return t
	default:
		return v
	}
}
