package replies

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedDefaultsLoad(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	for _, key := range []string{"help", "supplier_choice", "level_choice", "draft_menu", "sent", "cancelled"} {
		assert.True(t, s.Has(key), "missing embedded template %q", key)
	}
	assert.NotEmpty(t, s.POPhrases())
}

func TestRenderSubstitution(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	got := s.Render("sent", map[string]string{"target": "grup produksi"})
	assert.Contains(t, got, "grup produksi")
}

func TestRenderUnknownKeyIsVisible(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	// An unknown key must be visible in the output, not silently blank.
	assert.Contains(t, s.Render("no_such_key", nil), "no_such_key")
}

func TestFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  sent: \"custom {target}\"\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom dev", s.Render("sent", map[string]string{"target": "dev"}))
	// Untouched keys keep the embedded default.
	assert.True(t, s.Has("help"))
}

func TestMissingOverrideFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}
