package domain

// AgentInfo is registry metadata for an agent type.
type AgentInfo struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Available   bool   `json:"available" yaml:"available"`
}

// ModelSpec is registry metadata for a selectable model.
type ModelSpec struct {
	ID               string   `json:"id" yaml:"id"`
	DisplayName      string   `json:"display_name" yaml:"display_name"`
	Provider         string   `json:"provider" yaml:"provider"`
	MaxContextTokens int      `json:"max_context_tokens" yaml:"max_context_tokens"`
	Tags             []string `json:"tags,omitempty" yaml:"tags"`
	Default          bool     `json:"default,omitempty" yaml:"default"`
}

// Info converts the registry entry into the session-facing model info.
func (m ModelSpec) Info() *ModelInfo {
	return &ModelInfo{
		ID:               m.ID,
		DisplayName:      m.DisplayName,
		Provider:         m.Provider,
		MaxContextTokens: m.MaxContextTokens,
	}
}
