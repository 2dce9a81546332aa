// Package testhelpers builds policy bundles from the shared rego fixtures
// so service-level tests can seed stores with policies beyond the demo set.
package testhelpers

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

const (
	strictBundleDir     = "tests/fixtures/policy/bundles/strict"
	disclaimerBundleDir = "tests/fixtures/policy/bundles/disclaimer"
)

// StrictCampaignBundle returns the tightened campaign policy fixture under
// the demo bundle's id, so tests can publish it as a newer generation.
func StrictCampaignBundle(t testing.TB, version int) *domain.PolicyBundle {
	t.Helper()
	return bundleFromFixture(t, "campaign-policies", version, strictBundleDir, "strict.rego")
}

// DisclaimerBundle returns the ads disclaimer policy fixture.
func DisclaimerBundle(t testing.TB, version int) *domain.PolicyBundle {
	t.Helper()
	return bundleFromFixture(t, "ads-compliance", version, disclaimerBundleDir, "disclaimer.rego")
}

func bundleFromFixture(t testing.TB, id string, version int, bundleDir, moduleName string) *domain.PolicyBundle {
	t.Helper()

	regoPath := fixturePath(t, bundleDir, moduleName)
	// #nosec G304 - Test fixture path is controlled by test code
	regoBytes, err := os.ReadFile(regoPath)
	if err != nil {
		t.Fatalf("failed to read rego fixture: %v", err)
	}

	now := time.Now().UTC()
	return &domain.PolicyBundle{
		ID:       id,
		Name:     id,
		Version:  version,
		Revision: "fixture",
		Labels:   map[string]string{"env": "test"},
		Artifacts: map[string]domain.PolicyArtifact{
			moduleName: {
				Type:      "rego",
				MediaType: "application/rego",
				Data:      regoBytes,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func fixturePath(t testing.TB, elements ...string) string {
	t.Helper()

	path := filepath.Join(append([]string{moduleRoot()}, elements...)...)
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("failed to resolve fixture path: %v", err)
	}
	return abs
}

var (
	cachedRoot string
	rootOnce   sync.Once
)

func moduleRoot() string {
	rootOnce.Do(func() {
		_, currentFile, _, ok := runtime.Caller(0)
		if !ok {
			panic("unable to determine caller for policy bundle helpers")
		}
		cachedRoot = filepath.Clean(filepath.Join(filepath.Dir(currentFile), "..", ".."))
	})
	return cachedRoot
}
