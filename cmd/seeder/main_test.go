package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLFilesOrder(t *testing.T) {
	root := t.TempDir()
	mig := filepath.Join(root, "migrations")
	seed := filepath.Join(root, "seed")
	require.NoError(t, os.Mkdir(mig, 0o755))
	require.NoError(t, os.Mkdir(seed, 0o755))
	for _, f := range []string{
		filepath.Join(mig, "002_index.sql"),
		filepath.Join(mig, "001_schema.sql"),
		filepath.Join(seed, "accounts.sql"),
		filepath.Join(seed, "README.md"),
	} {
		require.NoError(t, os.WriteFile(f, []byte("SELECT 1;"), 0o644))
	}

	files, err := sqlFiles(mig, seed)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(mig, "001_schema.sql"),
		filepath.Join(mig, "002_index.sql"),
		filepath.Join(seed, "accounts.sql"),
	}, files)

	_, err = sqlFiles(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
