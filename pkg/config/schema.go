package config

import (
	"fmt"
	"strings"
)

// SnapshotFinalizationError wraps errors encountered while finalising snapshots.
type SnapshotFinalizationError struct {
	Reason error
}

func (e SnapshotFinalizationError) Error() string {
	return fmt.Sprintf("snapshot finalisation failed: %v", e.Reason)
}

func (e SnapshotFinalizationError) Unwrap() error {
	return e.Reason
}

// Finalize derives summaries and indices for downstream consumers.
func (s *Snapshot) Finalize() error {
	if s == nil {
		return nil
	}

	if s.PolicyBundles == nil {
		s.PolicyBundles = []PolicyBundleDescriptor{}
	}

	bundleIndex := make(map[string]PolicyBundleDescriptor, len(s.PolicyBundles))
	for i := range s.PolicyBundles {
		descriptor := s.PolicyBundles[i].Clone()
		if err := descriptor.Validate(); err != nil {
			return SnapshotFinalizationError{Reason: fmt.Errorf("policy bundle %s: %w", descriptor.ID, err)}
		}
		key := policyBundleKey(descriptor.ID, descriptor.Version)
		if _, exists := bundleIndex[key]; exists {
			return SnapshotFinalizationError{Reason: fmt.Errorf("duplicate policy bundle %s@%d", descriptor.ID, descriptor.Version)}
		}
		s.PolicyBundles[i] = descriptor
		bundleIndex[key] = descriptor
	}

	// Normalise pipelines. Topology errors surface later when the graph
	// builder compiles the spec; here we only catch snapshot-level issues.
	index := make(map[string]PipelineSpec, len(s.Pipelines))
	summaries := make([]PipelineSummary, 0, len(s.Pipelines))
	for i := range s.Pipelines {
		pipelineCopy := s.Pipelines[i].Clone()
		if err := pipelineCopy.Normalize(); err != nil {
			return SnapshotFinalizationError{Reason: err}
		}
		if _, exists := index[pipelineCopy.ID]; exists {
			return SnapshotFinalizationError{Reason: fmt.Errorf("duplicate pipeline %s", pipelineCopy.ID)}
		}
		for _, node := range pipelineCopy.Nodes {
			if ref, ok := node.Config["bundle"]; ok {
				if err := validateBundleReference(pipelineCopy.ID, node.ID, ref, bundleIndex); err != nil {
					return SnapshotFinalizationError{Reason: err}
				}
			}
		}
		s.Pipelines[i] = pipelineCopy
		index[pipelineCopy.ID] = pipelineCopy
		summaries = append(summaries, PipelineSummary{
			ID:          pipelineCopy.ID,
			Kind:        pipelineCopy.Kind,
			Description: pipelineCopy.Description,
			Nodes:       len(pipelineCopy.Nodes),
		})
	}

	s.PipelineIndex = index
	s.PipelineSummaries = summaries
	s.PolicyBundleIndex = bundleIndex

	return nil
}

// GetPipeline retrieves a pipeline specification by ID from the snapshot's index.
func (s Snapshot) GetPipeline(pipelineID string) (PipelineSpec, bool) {
	spec, found := s.PipelineIndex[pipelineID]
	return spec, found
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func policyBundleKey(id string, version int) string {
	id = strings.TrimSpace(id)
	return fmt.Sprintf("%s@%d", id, version)
}

// validateBundleReference checks that a node config "bundle" entry of the form
// "id@version" names a bundle declared in the snapshot.
func validateBundleReference(pipelineID, nodeID string, ref any, bundles map[string]PolicyBundleDescriptor) error {
	text, ok := ref.(string)
	if !ok {
		return fmt.Errorf("pipeline %s: node %s: bundle reference must be a string, got %T", pipelineID, nodeID, ref)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if _, exists := bundles[text]; !exists {
		return fmt.Errorf("pipeline %s: node %s references unknown bundle %q", pipelineID, nodeID, text)
	}
	return nil
}
