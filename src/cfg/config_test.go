package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultEnv, c.Environment)
	assert.Equal(t, 1024, c.PoolPages)
	assert.True(t, c.CompressCheckpoint)

	ec := c.Engine()
	assert.Equal(t, c.PoolPages, ec.PoolPages)
	assert.Equal(t, c.MaxCopyPages, ec.Fragment.MaxCopyPages)
	assert.Equal(t, c.CheckpointPagesPerStep, c.Checkpoint().PagesPerStep)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tupstore.env")
	content := "TUPSTORE_ENVIRONMENT=prod\nTUPSTORE_POOL_PAGES=64\nTUPSTORE_UNDO_PAGE_BUDGET=16\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("TUPSTORE_ENVIRONMENT")
		_ = os.Unsetenv("TUPSTORE_UNDO_PAGE_BUDGET")
	})

	// the process environment wins over the file
	t.Setenv("TUPSTORE_POOL_PAGES", "128")
	t.Setenv("TUPSTORE_UNDO_LOW_WATER", "4")

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, EnvProd, c.Environment)
	assert.Equal(t, 128, c.PoolPages)
	assert.Equal(t, 16, c.UndoPageBudget)
	assert.Equal(t, 4, c.UndoLowWater)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	cases := map[string]map[string]string{
		"environment":     {"TUPSTORE_ENVIRONMENT": "staging"},
		"zero pool":       {"TUPSTORE_POOL_PAGES": "0"},
		"low water":       {"TUPSTORE_UNDO_PAGE_BUDGET": "8", "TUPSTORE_UNDO_LOW_WATER": "9"},
		"chunk over pool": {"TUPSTORE_POOL_PAGES": "2", "TUPSTORE_PAGES_PER_CHUNK": "3"},
		"not a number":    {"TUPSTORE_MAX_OPERATIONS": "many"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			assert.Error(t, err)
		})
	}
}
