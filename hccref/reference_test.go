package hccref

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "HCC_relevant_codes.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleCSV = `ICD-10-CM Codes,Description,Tags
E11.9,Type 2 diabetes mellitus without complications,HCC19
I10,Essential (primary) hypertension,
N18.3,"Chronic kidney disease, stage 3",HCC138
F33.1,"Major depressive disorder, recurrent, moderate",NaN
J44.9,Chronic obstructive pulmonary disease,HCC111
`

func TestLoadBuildsBothLookupForms(t *testing.T) {
	ref, err := Load(writeCSV(t, sampleCSV), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, ref.Len())

	tests := []struct {
		name string
		code string
		want bool
	}{
		{"dotted form", "E11.9", true},
		{"undotted form", "E119", true},
		{"dotted kidney", "N18.3", true},
		{"undotted kidney", "N183", true},
		{"whitespace tolerated", "  E11.9  ", true},
		{"unknown code", "Z99.9", false},
		{"empty code", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ref.IsHCCRelevant(tt.code))
		})
	}
}

func TestDotFormEquivalence(t *testing.T) {
	ref, err := Load(writeCSV(t, sampleCSV), 0)
	require.NoError(t, err)

	for _, entry := range ref.Entries(0) {
		dotted := ref.IsHCCRelevant(entry.ICDCode)
		undotted := ref.IsHCCRelevant(normalize(entry.ICDCode))
		assert.Equal(t, dotted, undotted, "code %s", entry.ICDCode)
		assert.True(t, dotted)
	}
}

func TestGetEntry(t *testing.T) {
	ref, err := Load(writeCSV(t, sampleCSV), 0)
	require.NoError(t, err)

	entry, ok := ref.Get("E119")
	require.True(t, ok)
	assert.Equal(t, "E11.9", entry.ICDCode)
	assert.Equal(t, "Type 2 diabetes mellitus without complications", entry.Description)
	assert.Equal(t, "HCC19", entry.Category)

	_, ok = ref.Get("A00.0")
	assert.False(t, ok)
}

func TestMissingTagsBecomeUncategorized(t *testing.T) {
	ref, err := Load(writeCSV(t, sampleCSV), 0)
	require.NoError(t, err)

	empty, ok := ref.Get("I10")
	require.True(t, ok)
	assert.Equal(t, Uncategorized, empty.Category)

	nan, ok := ref.Get("F33.1")
	require.True(t, ok)
	assert.Equal(t, Uncategorized, nan.Category)
}

func TestCategories(t *testing.T) {
	ref, err := Load(writeCSV(t, sampleCSV), 0)
	require.NoError(t, err)

	categories := ref.Categories()
	require.Len(t, categories, 4)

	// Sorted by category name.
	assert.Equal(t, "HCC111", categories[0].Category)
	assert.Equal(t, "HCC138", categories[1].Category)
	assert.Equal(t, "HCC19", categories[2].Category)
	assert.Equal(t, Uncategorized, categories[3].Category)
	assert.Equal(t, 2, categories[3].Count)
}

func TestEntriesLimit(t *testing.T) {
	ref, err := Load(writeCSV(t, sampleCSV), 0)
	require.NoError(t, err)

	assert.Len(t, ref.Entries(2), 2)
	assert.Len(t, ref.Entries(0), 5)
	assert.Len(t, ref.Entries(50), 5)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeCSV(t, sampleCSV)
	ref, err := Load(path, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ref.IsHCCRelevant("Z99.9"))

	updated := sampleCSV + "Z99.9,Extra code,HCC999\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		return ref.IsHCCRelevant("Z99.9")
	}, time.Second, 20*time.Millisecond)
}

func TestFailedReloadKeepsPriorSnapshot(t *testing.T) {
	path := writeCSV(t, sampleCSV)
	ref, err := Load(path, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	time.Sleep(30 * time.Millisecond)

	// The table from the successful load keeps serving.
	assert.True(t, ref.IsHCCRelevant("E11.9"))
	assert.Equal(t, 5, ref.Len())
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.csv"), 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open reference csv")
	})

	t.Run("missing code column", func(t *testing.T) {
		_, err := Load(writeCSV(t, "Code,Description\nE11.9,Diabetes\n"), 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ICD-10-CM Codes")
	})
}
