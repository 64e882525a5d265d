// Package registry holds the static agent and model metadata served by the
// API and used to pick a session's model.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/agentchat/internal/domain"
)

// DefaultMaxContextTokens is assumed for models without a configured limit.
const DefaultMaxContextTokens = 128000

//go:embed registry.yaml
var builtin []byte

// ErrUnknownModel is returned for model ids not in the registry.
var ErrUnknownModel = errors.New("unknown model")

// Registry is an immutable set of agents and models.
type Registry struct {
	agents []domain.AgentInfo
	models []domain.ModelSpec
}

type file struct {
	Agents []domain.AgentInfo `yaml:"agents"`
	Models []domain.ModelSpec `yaml:"models"`
}

// Builtin returns the registry compiled into the binary.
func Builtin() *Registry {
	r, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("registry: builtin registry.yaml: %v", err))
	}
	return r
}

// Load reads a registry file. An empty path returns the builtin registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes a registry document and validates it.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	seen := make(map[string]bool, len(f.Models))
	for i, m := range f.Models {
		if m.ID == "" || m.Provider == "" {
			return nil, fmt.Errorf("model #%d: id and provider are required", i+1)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("model %s: duplicate id", m.ID)
		}
		seen[m.ID] = true
		if m.MaxContextTokens <= 0 {
			f.Models[i].MaxContextTokens = DefaultMaxContextTokens
		}
		f.Models[i].Provider = strings.ToLower(m.Provider)
	}
	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent #%d: id is required", i+1)
		}
	}
	return &Registry{agents: f.Agents, models: f.Models}, nil
}

// Agents returns all agents.
func (r *Registry) Agents() []domain.AgentInfo {
	return append([]domain.AgentInfo(nil), r.agents...)
}

// Agent looks up an agent by id.
func (r *Registry) Agent(id string) (domain.AgentInfo, bool) {
	for _, a := range r.agents {
		if a.ID == id {
			return a, true
		}
	}
	return domain.AgentInfo{}, false
}

// Models returns the models of provider, or all models when provider is
// empty.
func (r *Registry) Models(provider string) []domain.ModelSpec {
	provider = strings.ToLower(provider)
	out := []domain.ModelSpec{}
	for _, m := range r.models {
		if provider == "" || m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

// Model looks up a model by id.
func (r *Registry) Model(id string) (domain.ModelSpec, error) {
	for _, m := range r.models {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.ModelSpec{}, fmt.Errorf("%s: %w", id, ErrUnknownModel)
}

// DefaultModel picks the model for new sessions of provider: preferred when
// it names one of the provider's models, else the provider's default, else
// its first model.
func (r *Registry) DefaultModel(provider, preferred string) (domain.ModelSpec, error) {
	models := r.Models(provider)
	if len(models) == 0 {
		return domain.ModelSpec{}, fmt.Errorf("no models configured for provider %q", provider)
	}
	if preferred != "" {
		for _, m := range models {
			if m.ID == preferred {
				return m, nil
			}
		}
	}
	for _, m := range models {
		if m.Default {
			return m, nil
		}
	}
	return models[0], nil
}

// MaxContextTokens returns the context window of a model, falling back to
// DefaultMaxContextTokens for unknown ids.
func (r *Registry) MaxContextTokens(id string) int {
	m, err := r.Model(id)
	if err != nil {
		return DefaultMaxContextTokens
	}
	return m.MaxContextTokens
}
