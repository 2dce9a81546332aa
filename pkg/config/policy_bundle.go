package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

const defaultBundleSizeLimit = 8 << 20 // 8 MiB

// PolicyBundleDescriptor describes how to obtain and verify a policy bundle
// composed of multiple artifacts. Artifacts come from files under Path or are
// embedded inline in the snapshot.
type PolicyBundleDescriptor struct {
	ID        string                     `json:"id" yaml:"id"`
	Name      string                     `json:"name" yaml:"name"`
	Version   int                        `json:"version" yaml:"version"`
	Revision  string                     `json:"revision" yaml:"revision"`
	Path      string                     `json:"path" yaml:"path"`
	SizeLimit int64                      `json:"sizeLimit" yaml:"sizeLimit"`
	Labels    map[string]string          `json:"labels" yaml:"labels"`
	Artifacts []BundleArtifactDescriptor `json:"artifacts" yaml:"artifacts"`
}

// BundleArtifactDescriptor declares how to retrieve an artifact within a bundle.
type BundleArtifactDescriptor struct {
	Name      string            `json:"name" yaml:"name"`
	Path      string            `json:"path" yaml:"path"`
	Type      string            `json:"type" yaml:"type"`
	MediaType string            `json:"mediaType" yaml:"mediaType"`
	Inline    string            `json:"inline" yaml:"inline"`
	SHA256    string            `json:"sha256" yaml:"sha256"`
	Metadata  map[string]string `json:"metadata" yaml:"metadata"`
}

type rawArtifact struct {
	descriptor BundleArtifactDescriptor
	data       []byte
	digest     string
}

// Validate ensures the descriptor is well formed before loading.
func (d PolicyBundleDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("policy bundle id is required")
	}
	if d.Version <= 0 {
		return fmt.Errorf("policy bundle %s requires version greater than zero", d.ID)
	}
	if len(d.Artifacts) == 0 {
		return fmt.Errorf("policy bundle %s defines no artifacts", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Artifacts))
	for _, artifact := range d.Artifacts {
		name := strings.TrimSpace(artifact.Name)
		if name == "" {
			return fmt.Errorf("policy bundle %s: artifact name is required", d.ID)
		}
		if strings.TrimSpace(artifact.Type) == "" {
			return fmt.Errorf("policy bundle %s: artifact %s requires type", d.ID, artifact.Name)
		}
		hasInline := strings.TrimSpace(artifact.Inline) != ""
		hasPath := strings.TrimSpace(artifact.Path) != "" || strings.TrimSpace(d.Path) != ""
		if !hasInline && !hasPath {
			return fmt.Errorf("policy bundle %s: artifact %s requires path or inline data", d.ID, artifact.Name)
		}
		key := strings.ToLower(name)
		if _, exists := seen[key]; exists {
			return fmt.Errorf("policy bundle %s: duplicate artifact name %s", d.ID, artifact.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (d PolicyBundleDescriptor) Clone() PolicyBundleDescriptor {
	clone := PolicyBundleDescriptor{
		ID:        d.ID,
		Name:      d.Name,
		Version:   d.Version,
		Revision:  d.Revision,
		Path:      d.Path,
		SizeLimit: d.SizeLimit,
	}
	if len(d.Labels) > 0 {
		clone.Labels = copyStringMap(d.Labels)
	}
	if len(d.Artifacts) > 0 {
		clone.Artifacts = make([]BundleArtifactDescriptor, len(d.Artifacts))
		for i, artifact := range d.Artifacts {
			clone.Artifacts[i] = artifact.Clone()
		}
	}
	return clone
}

// Clone returns a deep copy of the artifact descriptor.
func (a BundleArtifactDescriptor) Clone() BundleArtifactDescriptor {
	clone := BundleArtifactDescriptor{
		Name:      a.Name,
		Path:      a.Path,
		Type:      a.Type,
		MediaType: a.MediaType,
		Inline:    a.Inline,
		SHA256:    a.SHA256,
	}
	if len(a.Metadata) > 0 {
		clone.Metadata = copyStringMap(a.Metadata)
	}
	return clone
}

func (d PolicyBundleDescriptor) effectiveSizeLimit() int64 {
	if d.SizeLimit > 0 {
		return d.SizeLimit
	}
	return defaultBundleSizeLimit
}

// LoadPolicyBundle reads, verifies, and normalises artifacts according to the descriptor.
func LoadPolicyBundle(desc PolicyBundleDescriptor) (*domain.PolicyBundle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	limit := desc.effectiveSizeLimit()
	basePath := strings.TrimSpace(desc.Path)

	rawArtifacts := make([]rawArtifact, 0, len(desc.Artifacts))
	for _, artifactDesc := range desc.Artifacts {
		var (
			data   []byte
			digest string
			err    error
		)

		if inline := strings.TrimSpace(artifactDesc.Inline); inline != "" {
			data = []byte(inline)
			digest = computeSHA256Hex(data)
			if err := verifyDigest(artifactDesc.SHA256, digest); err != nil {
				return nil, fmt.Errorf("load artifact %s: %w", artifactDesc.Name, err)
			}
		} else {
			resolvedPath := artifactDesc.Path
			if !filepath.IsAbs(resolvedPath) && basePath != "" {
				resolvedPath = filepath.Join(basePath, artifactDesc.Path)
			}
			resolvedPath = filepath.Clean(resolvedPath)

			data, digest, err = readArtifact(resolvedPath, limit, artifactDesc.SHA256)
			if err != nil {
				return nil, fmt.Errorf("load artifact %s: %w", artifactDesc.Name, err)
			}
		}

		rawArtifacts = append(rawArtifacts, rawArtifact{
			descriptor: artifactDesc,
			data:       data,
			digest:     digest,
		})
	}

	processor := NewPolicyProcessor()
	return processor.Normalize(desc, rawArtifacts)
}

func readArtifact(path string, limit int64, expectedDigest string) ([]byte, string, error) {
	if path == "" {
		return nil, "", errors.New("artifact path is empty")
	}

	file, err := os.Open(path) //nolint:gosec // G304: Path is from trusted operator configuration
	if err != nil {
		return nil, "", fmt.Errorf("open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, "", errors.New("artifact is empty")
	}
	if limit > 0 && info.Size() > limit {
		return nil, "", fmt.Errorf("artifact exceeds size limit (%d bytes)", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, "", fmt.Errorf("read: %w", err)
	}

	digest := computeSHA256Hex(data)
	if err := verifyDigest(expectedDigest, digest); err != nil {
		return nil, "", err
	}

	return data, digest, nil
}

func computeSHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func verifyDigest(expected, actual string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	normalized := normalizeDigest(expected)
	if normalized != actual {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", normalized, actual)
	}
	return nil
}

func normalizeDigest(value string) string {
	lower := strings.TrimSpace(strings.ToLower(value))
	return strings.TrimPrefix(lower, "sha256:")
}

// PolicyProcessor converts raw artifact payloads into domain policy artifacts.
type PolicyProcessor struct {
	now func() time.Time
}

// NewPolicyProcessor constructs a processor with a configurable clock for testing.
func NewPolicyProcessor() PolicyProcessor {
	return PolicyProcessor{now: time.Now}
}

// Normalize converts raw artifacts into a domain policy bundle.
func (p PolicyProcessor) Normalize(desc PolicyBundleDescriptor, artifacts []rawArtifact) (*domain.PolicyBundle, error) {
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("policy bundle %s contains no artifacts", desc.ID)
	}

	bundle := &domain.PolicyBundle{
		ID:        desc.ID,
		Name:      desc.Name,
		Version:   desc.Version,
		Revision:  desc.Revision,
		Labels:    copyStringMap(desc.Labels),
		Artifacts: make(map[string]domain.PolicyArtifact, len(artifacts)),
	}

	now := p.now().UTC()
	bundle.CreatedAt = now
	bundle.UpdatedAt = now

	for _, raw := range artifacts {
		name := strings.TrimSpace(raw.descriptor.Name)
		if name == "" {
			return nil, fmt.Errorf("policy bundle %s: artifact name is required", desc.ID)
		}
		if _, exists := bundle.Artifacts[name]; exists {
			return nil, fmt.Errorf("policy bundle %s: duplicate artifact %s", desc.ID, name)
		}

		bundle.Artifacts[name] = domain.PolicyArtifact{
			Type:      strings.TrimSpace(raw.descriptor.Type),
			MediaType: strings.TrimSpace(raw.descriptor.MediaType),
			Digest:    raw.digest,
			Data:      append([]byte(nil), raw.data...),
			Metadata:  copyStringMap(raw.descriptor.Metadata),
		}
	}

	return bundle, nil
}

// LoadPolicyBundleFromDomain loads a policy bundle using a domain descriptor.
func LoadPolicyBundleFromDomain(d domain.PolicyBundleDescriptor) (*domain.PolicyBundle, error) {
	artifacts := make([]BundleArtifactDescriptor, len(d.Artifacts))
	for i, a := range d.Artifacts {
		artifacts[i] = BundleArtifactDescriptor{
			Name:      a.Name,
			Path:      a.Path,
			Type:      a.Type,
			MediaType: a.MediaType,
			Inline:    a.Inline,
			SHA256:    a.SHA256,
			Metadata:  a.Metadata,
		}
	}

	configDesc := PolicyBundleDescriptor{
		ID:        d.ID,
		Name:      d.Name,
		Version:   d.Version,
		Revision:  d.Revision,
		Path:      d.Path,
		Labels:    d.Labels,
		Artifacts: artifacts,
	}

	return LoadPolicyBundle(configDesc)
}
