package config

import (
	"time"
)

// PipelineSummary surfaces key pipeline metadata for administration endpoints.
type PipelineSummary struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Nodes       int    `json:"nodes"`
}

// Snapshot is the immutable representation of the current configuration (DTO).
type Snapshot struct {
	Generation    int64                    `json:"generation" yaml:"generation"`
	ReceivedAt    time.Time                `json:"receivedAt" yaml:"-"`
	Pipelines     []PipelineSpec           `json:"pipelines" yaml:"pipelines"`
	PolicyBundles []PolicyBundleDescriptor `json:"policyBundles" yaml:"policyBundles"`
	Governance    GovernanceSpec           `json:"governance" yaml:"governance"`

	PipelineSummaries []PipelineSummary                 `json:"-" yaml:"-"`
	PipelineIndex     map[string]PipelineSpec           `json:"-" yaml:"-"`
	PolicyBundleIndex map[string]PolicyBundleDescriptor `json:"-" yaml:"-"`
}
