package docs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileReaderReadsKnownDocuments(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "VISION.md"), []byte("the vision"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".anima", "memory"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".anima", "soul.md"), []byte("the soul"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".anima", "memory", "project.md"), []byte("the memory"), 0o644))

	r := NewFileReader(root)
	assert.Equal(t, "the vision", r.Vision())
	assert.Equal(t, "the soul", r.Soul())
	assert.Equal(t, "the memory", r.Memory())
}

func TestFileReaderMissingDocumentsAreEmptyNotError(t *testing.T) {
	r := NewFileReader(t.TempDir())
	assert.Equal(t, "", r.Vision())
	assert.Equal(t, "", r.Soul())
	assert.Equal(t, "", r.Memory())
}

func TestFileReaderMilestoneDoc(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "m1.md"), []byte("milestone doc"), 0o644))

	r := NewFileReader(root)
	assert.Equal(t, "milestone doc", r.Milestone("docs/m1.md"))
	assert.Equal(t, "", r.Milestone(""))
}
