package archive

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractTextFiltersByExtension(t *testing.T) {
	data := buildZip(t, map[string]string{
		"note1.txt":       "Patient presents with E11.9.",
		"batch/note2.txt": "Follow-up visit.",
		"scan.pdf":        "binary",
		".hidden.txt":     "skip me",
		"../escape.txt":   "skip me too",
		"notes/.DS_Store": "noise",
		"readme.md":       "batch of notes",
	})

	entries, err := ExtractText(data, []string{".txt"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := []string{entries[0].Name, entries[1].Name}
	assert.Contains(t, names, "note1.txt")
	assert.Contains(t, names, "note2.txt")
	for _, e := range entries {
		assert.NotEmpty(t, e.Data)
	}
}

func TestExtractTextEmptyFilterTakesEverything(t *testing.T) {
	data := buildZip(t, map[string]string{"a.txt": "x", "b.md": "y"})
	entries, err := ExtractText(data, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestExtractTextRejectsGarbage(t *testing.T) {
	_, err := ExtractText([]byte("not a zip"), nil)
	assert.Error(t, err)
}
