package domain

import "time"

// PolicyBundle is a versioned collection of policy artifacts (Rego modules
// and their metadata) consumed by the campaign policy gate. It is the unit of
// storage and distribution for content policies.
type PolicyBundle struct {
	ID        string                    `json:"id" yaml:"id"`
	Name      string                    `json:"name" yaml:"name"`
	Version   int                       `json:"version" yaml:"version"`
	Revision  string                    `json:"revision" yaml:"revision"`
	Labels    map[string]string         `json:"labels" yaml:"labels"`
	Artifacts map[string]PolicyArtifact `json:"artifacts" yaml:"artifacts"`
	CreatedAt time.Time                 `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at" yaml:"updated_at"`
}

// PolicyArtifact holds a single piece of policy data, such as a Rego module.
type PolicyArtifact struct {
	Type      string            `json:"type" yaml:"type"`
	MediaType string            `json:"media_type" yaml:"media_type"`
	Digest    string            `json:"digest" yaml:"digest"`
	Data      []byte            `json:"data" yaml:"data"`
	Metadata  map[string]string `json:"metadata" yaml:"metadata"`
}

// Clone returns a deep copy of the policy bundle to avoid shared mutable state.
func (b *PolicyBundle) Clone() *PolicyBundle {
	if b == nil {
		return nil
	}

	clone := &PolicyBundle{
		ID:        b.ID,
		Name:      b.Name,
		Version:   b.Version,
		Revision:  b.Revision,
		Labels:    cloneStringMap(b.Labels),
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}

	if len(b.Artifacts) > 0 {
		clone.Artifacts = make(map[string]PolicyArtifact, len(b.Artifacts))
		for name, artifact := range b.Artifacts {
			clone.Artifacts[name] = artifact.Clone()
		}
	} else {
		clone.Artifacts = map[string]PolicyArtifact{}
	}

	return clone
}

// Clone returns a deep copy of the policy artifact.
func (a PolicyArtifact) Clone() PolicyArtifact {
	clone := PolicyArtifact{
		Type:      a.Type,
		MediaType: a.MediaType,
		Digest:    a.Digest,
		Metadata:  cloneStringMap(a.Metadata),
	}
	if len(a.Data) > 0 {
		clone.Data = append([]byte(nil), a.Data...)
	}
	return clone
}

func cloneStringMap(input map[string]string) map[string]string {
	if len(input) == 0 {
		return map[string]string{}
	}
	clone := make(map[string]string, len(input))
	for k, v := range input {
		clone[k] = v
	}
	return clone
}
