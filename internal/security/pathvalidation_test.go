package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(safe, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(safe, "escape")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"new file", filepath.Join(safe, "trace.png"), false},
		{"nested new file", filepath.Join(safe, "runs", "a", "trace.png"), false},
		{"dot dot", filepath.Join(safe, "..", "outside", "trace.png"), true},
		{"sibling", filepath.Join(outside, "trace.png"), true},
		{"through symlink", filepath.Join(safe, "escape", "trace.png"), true},
		{"directory itself", safe, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(safe, "x"), filepath.Join(tmp, "missing")))
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "capture.txt"), []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs("/etc/passwd", []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs(filepath.Join(a, "x"), nil))
}

func TestValidateOutputPath(t *testing.T) {
	assert.NoError(t, ValidateOutputPath("trace.png"))
	assert.NoError(t, ValidateOutputPath(filepath.Join(os.TempDir(), "trace.png")))
	assert.Error(t, ValidateOutputPath("/proc/self/trace.png"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"crankshaft":         "crankshaft",
		"bench run #3":       "bench_run_3",
		"../../etc/passwd":   "etc_passwd",
		"":                   "unknown",
		"///":                "unknown",
		"session.2026-03-01": "session.2026-03-01",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 300)), 128)
}
