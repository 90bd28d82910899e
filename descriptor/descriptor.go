// Package descriptor parses and validates task descriptors at ingress. The
// descriptor is stored as opaque JSON but the rest of the engine only handles
// the validated view produced here.
package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is the only accepted descriptor schema revision.
const SchemaVersion = "v1"

// Validation bounds for raw descriptor payloads.
const (
	MaxBytes = 16 * 1024
	MaxDepth = 6
)

// Capability tags workers may declare and descriptors may require.
var allowedCapabilityTags = map[string]struct{}{
	"browser":       {},
	"http":          {},
	"ffmpeg":        {},
	"llm_summarize": {},
	"screenshot":    {},
}

// Artifact kinds accepted in output specs.
var allowedArtifactKinds = map[string]struct{}{
	"screenshot": {},
	"log":        {},
	"video":      {},
	"other":      {},
}

var forbiddenKeyFragments = []string{"token", "secret", "password"}

var (
	// ErrTooLarge indicates the raw descriptor exceeds MaxBytes.
	ErrTooLarge = errors.New("descriptor: payload exceeds size limit")
	// ErrTooDeep indicates nesting beyond MaxDepth.
	ErrTooDeep = errors.New("descriptor: nesting exceeds depth limit")
	// ErrForbiddenKey indicates a key matching token|secret|password.
	ErrForbiddenKey = errors.New("descriptor: forbidden key")
	// ErrUnknownTag indicates a capability tag outside the allowlist.
	ErrUnknownTag = errors.New("descriptor: unknown capability tag")
	// ErrInvalid covers structural failures (missing type, bad schema version).
	ErrInvalid = errors.New("descriptor: invalid")
)

// RequiredArtifact describes one artifact the output spec demands.
type RequiredArtifact struct {
	Kind        string `json:"kind"`
	Label       string `json:"label,omitempty"`
	LabelPrefix string `json:"label_prefix,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// OutputSpec lists the artifacts a submission must attach.
type OutputSpec struct {
	RequiredArtifacts []RequiredArtifact `json:"required_artifacts,omitempty"`
}

// Descriptor is the validated view of a task descriptor.
type Descriptor struct {
	SchemaVersion   string          `json:"schema_version"`
	Type            string          `json:"type"`
	CapabilityTags  []string        `json:"capability_tags"`
	InputSpec       json.RawMessage `json:"input_spec,omitempty"`
	OutputSpec      *OutputSpec     `json:"output_spec,omitempty"`
	FreshnessSLASec int64           `json:"freshness_sla_sec,omitempty"`
	SiteProfile     string          `json:"site_profile,omitempty"`

	raw string
}

// Validator applies ingress validation. The browser-flow checks are gated by
// environment toggles and default to off.
type Validator struct {
	BrowserFlowValidate bool
	AllowValueEnv       bool
}

// Parse validates raw descriptor JSON and returns the typed view.
func (v Validator) Parse(raw []byte) (*Descriptor, error) {
	if len(raw) > MaxBytes {
		return nil, ErrTooLarge
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := walk(generic, 1); err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if desc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema_version must be %q", ErrInvalid, SchemaVersion)
	}
	if strings.TrimSpace(desc.Type) == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalid)
	}
	if len(desc.CapabilityTags) == 0 {
		return nil, fmt.Errorf("%w: capability_tags is required", ErrInvalid)
	}
	for _, tag := range desc.CapabilityTags {
		if _, ok := allowedCapabilityTags[tag]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		}
	}
	if desc.FreshnessSLASec < 0 {
		return nil, fmt.Errorf("%w: freshness_sla_sec must be non-negative", ErrInvalid)
	}
	if desc.OutputSpec != nil {
		for _, art := range desc.OutputSpec.RequiredArtifacts {
			if _, ok := allowedArtifactKinds[art.Kind]; !ok {
				return nil, fmt.Errorf("%w: artifact kind %q", ErrInvalid, art.Kind)
			}
			if art.Count < 0 {
				return nil, fmt.Errorf("%w: artifact count must be non-negative", ErrInvalid)
			}
		}
	}
	if v.BrowserFlowValidate && desc.Type == "browser_flow" {
		if err := v.validateBrowserFlow(&desc); err != nil {
			return nil, err
		}
	}
	desc.raw = string(raw)
	return &desc, nil
}

// Parse validates with default toggles.
func Parse(raw []byte) (*Descriptor, error) {
	return Validator{}.Parse(raw)
}

// ValidArtifactKind reports whether kind is an accepted artifact kind.
func ValidArtifactKind(kind string) bool {
	_, ok := allowedArtifactKinds[kind]
	return ok
}

// Raw returns the canonical JSON the descriptor was parsed from.
func (d *Descriptor) Raw() string {
	if d == nil {
		return ""
	}
	return d.raw
}

// RequiresSubsetOf reports whether every capability tag the descriptor needs
// is declared by the worker.
func (d *Descriptor) RequiresSubsetOf(workerTags []string) bool {
	if d == nil {
		return false
	}
	have := make(map[string]struct{}, len(workerTags))
	for _, tag := range workerTags {
		have[strings.TrimSpace(tag)] = struct{}{}
	}
	for _, tag := range d.CapabilityTags {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

// HasTag reports whether the descriptor requires the named capability.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}

func (v Validator) validateBrowserFlow(desc *Descriptor) error {
	if len(desc.InputSpec) == 0 {
		return fmt.Errorf("%w: browser_flow requires input_spec", ErrInvalid)
	}
	if !v.AllowValueEnv && strings.Contains(string(desc.InputSpec), "\"value_env\"") {
		return fmt.Errorf("%w: value_env is not permitted", ErrInvalid)
	}
	return nil
}

func walk(node any, depth int) error {
	if depth > MaxDepth {
		return ErrTooDeep
	}
	switch typed := node.(type) {
	case map[string]any:
		for key, child := range typed {
			lowered := strings.ToLower(key)
			for _, fragment := range forbiddenKeyFragments {
				if strings.Contains(lowered, fragment) {
					return fmt.Errorf("%w: %q", ErrForbiddenKey, key)
				}
			}
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range typed {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
