// Package quantize converts float32 weights to dynamic int8 in either the
// native model or a frozen interchange graph.
package quantize

import (
	"fmt"

	"github.com/samcharles93/slimline/internal/artifact"
)

// Backend selects where quantization runs. It is one of BackendNative or
// BackendInterchangeGraph.
type Backend interface {
	fmt.Stringer
	// Accepts lists the input states the backend can consume.
	Accepts() []artifact.State
	backend()
}

// BackendNative quantizes the linear layers of a native model.
type BackendNative struct{}

// BackendInterchangeGraph rewrites MatMul and Gather nodes of an interchange
// graph.
type BackendInterchangeGraph struct{}

func (BackendNative) String() string { return "native" }
func (BackendNative) backend()       {}
func (BackendNative) Accepts() []artifact.State {
	return []artifact.State{artifact.StateNativeF32, artifact.StateNativeI8}
}

func (BackendInterchangeGraph) String() string { return "interchange-graph" }
func (BackendInterchangeGraph) backend()       {}
func (BackendInterchangeGraph) Accepts() []artifact.State {
	return []artifact.State{artifact.StateGraphF32, artifact.StateGraphI8}
}

var backendNames = []string{"native", "interchange-graph"}

// ParseBackend parses "native" or "interchange-graph".
func ParseBackend(s string) (Backend, error) {
	i, err := artifact.ParseChoice("quantization backend", s, backendNames)
	if err != nil {
		return nil, err
	}
	if i == 0 {
		return BackendNative{}, nil
	}
	return BackendInterchangeGraph{}, nil
}

// Scope selects which layer kinds are quantized.
type Scope int

const (
	ScopeLinear Scope = iota
	ScopeLinearEmbedding
)

var scopeNames = []string{"linear", "linear+embedding"}

func (s Scope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseScope parses "linear" or "linear+embedding".
func ParseScope(s string) (Scope, error) {
	i, err := artifact.ParseChoice("quantization scope", s, scopeNames)
	return Scope(i), err
}

// Mode is the quantization mode. Only dynamic quantization exists.
type Mode int

const ModeDynamic Mode = 0

var modeNames = []string{"dynamic"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses "dynamic". Static and training-aware modes are rejected.
func ParseMode(s string) (Mode, error) {
	i, err := artifact.ParseChoice("quantization mode", s, modeNames)
	return Mode(i), err
}

// Spec configures one quantization.
type Spec struct {
	Backend Backend
	Scope   Scope
	Mode    Mode
}

// Validate rejects combinations the backends do not implement.
func (s Spec) Validate() error {
	if s.Backend == nil {
		return &artifact.SpecError{Field: "quantization backend", Value: "", Allowed: backendNames}
	}
	if s.Mode != ModeDynamic {
		return &artifact.SpecError{Field: "quantization mode", Value: s.Mode.String(), Allowed: modeNames}
	}
	if int(s.Scope) < 0 || int(s.Scope) >= len(scopeNames) {
		return &artifact.SpecError{Field: "quantization scope", Value: s.Scope.String(), Allowed: scopeNames}
	}
	if _, native := s.Backend.(BackendNative); native && s.Scope == ScopeLinearEmbedding {
		return &artifact.SpecError{Field: "quantization scope", Value: s.Scope.String(), Allowed: scopeNames[:1],
			Suggestion: ScopeLinear.String()}
	}
	return nil
}

// config is the quantization_config recorded in config.json.
func (s Spec) config() *artifact.QuantizationConfig {
	return &artifact.QuantizationConfig{
		QuantMethod: s.Mode.String(),
		Backend:     s.Backend.String(),
		Scope:       s.Scope.String(),
		Bits:        8,
	}
}
