package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadRequirements(t *testing.T) {
	dir := writeBundle(t, map[string]string{
		"track.cue": `
package bundle

requirements: {
	track: {
		model: "Track"
		selections: pose: "pose.Fused"
		args: window: "5"
		hints: ["d1"]
		facets: ["outdoor"]
		version: "^2.0"
	}
	nav: {
		model: "Nav"
	}
}
`,
	})

	reqs, errs := LoadRequirements(dir, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, reqs, 2)

	// Sorted by name.
	assert.Equal(t, "nav", reqs[0].Name)
	assert.Equal(t, "Nav", reqs[0].Model)

	track := reqs[1]
	assert.Equal(t, "Track", track.Model)
	assert.Equal(t, map[string]string{"pose": "pose.Fused"}, track.Selections)
	assert.Equal(t, map[string]string{"window": "5"}, track.Args)
	assert.Equal(t, []string{"d1"}, track.DeploymentHints)
	assert.Equal(t, []string{"outdoor"}, track.Facets)
	assert.Equal(t, "^2.0", track.VersionConstraint)
}

func TestLoadRequirementsMissingModel(t *testing.T) {
	dir := writeBundle(t, map[string]string{
		"bad.cue": `
package bundle

requirements: {
	a: { model: "Track" }
	b: { args: x: "1" }
	c: { selections: y: "z" }
}
`,
	})

	t.Run("fail fast stops at the first error", func(t *testing.T) {
		_, errs := LoadRequirements(dir, LoadModeFailFast)
		require.Len(t, errs, 1)
		var le *LoadError
		require.ErrorAs(t, errs[0], &le)
		assert.Equal(t, ErrCodeBadField, le.Code)
		assert.Contains(t, le.Message, "model")
	})

	t.Run("collect all reports every offender", func(t *testing.T) {
		_, errs := LoadRequirements(dir, LoadModeCollectAll)
		assert.Len(t, errs, 2)
	})
}

func TestLoadRequirementsBadFieldType(t *testing.T) {
	dir := writeBundle(t, map[string]string{
		"bad.cue": `
package bundle

requirements: a: {
	model: "Track"
	hints: "not-a-list"
}
`,
	})
	_, errs := LoadRequirements(dir, LoadModeFailFast)
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeBadField, le.Code)
}

func TestLoadRequirementsMissingDir(t *testing.T) {
	_, errs := LoadRequirements(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestLoadRequirementsEmptyDir(t *testing.T) {
	_, errs := LoadRequirements(t.TempDir(), LoadModeFailFast)
	require.Len(t, errs, 1)
	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}

func TestLoadInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
deployments:
  - name: d1
    host: h1
    group: core
    activities:
      imu: imu.Driver
      src: srv.Ref
  - name: d2
    host: h2
    activities:
      cam: cam.Driver
devices:
  camera: [cam0, cam1]
`), 0o644))

	inv, err := LoadInventory(path)
	require.NoError(t, err)
	require.Len(t, inv.Deployments, 2)
	assert.Equal(t, []string{"cam0", "cam1"}, inv.Devices["camera"])

	deps := inv.DeploymentList()
	require.Len(t, deps, 2)
	assert.Equal(t, "d1", deps[0].Name)
	assert.Equal(t, "core", deps[0].Group)
	assert.Equal(t, "imu.Driver", deps[0].Activities["imu"])
}

func TestLoadInventoryRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "deployments:\n  - name: d1\n    hosts: h1\n    activities: {a: m}\n", "field hosts not found"},
		{"duplicate name", "deployments:\n  - name: d1\n    activities: {a: m}\n  - name: d1\n    activities: {b: m}\n", "duplicate deployment"},
		{"no activities", "deployments:\n  - name: d1\n", "no activities"},
		{"empty model", "deployments:\n  - name: d1\n    activities: {a: \"\"}\n", "has no model"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "inv.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o644))
			_, err := LoadInventory(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
