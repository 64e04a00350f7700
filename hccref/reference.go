// Package hccref provides the cached lookup from ICD-10 codes to HCC
// reference entries. The code table is a CSV with the columns
// "ICD-10-CM Codes, Description, Tags"; lookups accept dotted and undotted
// code forms. Readers always see a consistent snapshot; reloads after the
// TTL swap the snapshot atomically and keep the prior one if the reload
// fails.
package hccref

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hcc.evalgo.org/common"
)

// DefaultTTL is the snapshot time-to-live before a reload is attempted.
const DefaultTTL = time.Hour

// Uncategorized is the category assigned to entries with a missing tag.
const Uncategorized = "UNCATEGORIZED"

// Entry is one row of the reference table.
type Entry struct {
	ICDCode     string `json:"icd_code"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// CategoryCount pairs a tag value with the number of codes carrying it.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// snapshot is an immutable view of the loaded table.
type snapshot struct {
	entries  []Entry
	byDotted map[string]Entry
	byNoDot  map[string]Entry
	loadedAt time.Time
}

// Reference is the shared, reloading lookup. Safe for concurrent use.
type Reference struct {
	csvPath string
	ttl     time.Duration
	current atomic.Pointer[snapshot]
	reload  sync.Mutex
	log     *common.ContextLogger
}

// Load reads the CSV and returns a ready Reference. A ttl of zero uses
// DefaultTTL.
func Load(csvPath string, ttl time.Duration) (*Reference, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Reference{
		csvPath: csvPath,
		ttl:     ttl,
		log:     common.NewContextLogger(common.Logger, map[string]interface{}{"component": "hccref", "csv": csvPath}),
	}

	snap, err := loadSnapshot(csvPath)
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	return r, nil
}

// loadSnapshot parses the CSV into a fresh snapshot.
func loadSnapshot(csvPath string) (*snapshot, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse reference csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("reference csv is empty")
	}

	header := records[0]
	codeIdx, descIdx, tagIdx := -1, -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case "ICD-10-CM Codes":
			codeIdx = i
		case "Description":
			descIdx = i
		case "Tags":
			tagIdx = i
		}
	}
	if codeIdx < 0 {
		return nil, fmt.Errorf("reference csv is missing the ICD-10-CM Codes column")
	}

	snap := &snapshot{
		byDotted: make(map[string]Entry),
		byNoDot:  make(map[string]Entry),
		loadedAt: time.Now(),
	}

	for _, record := range records[1:] {
		if codeIdx >= len(record) {
			continue
		}
		code := strings.TrimSpace(record[codeIdx])
		if code == "" {
			continue
		}

		entry := Entry{ICDCode: code, Category: Uncategorized}
		if descIdx >= 0 && descIdx < len(record) {
			entry.Description = strings.TrimSpace(record[descIdx])
		}
		if tagIdx >= 0 && tagIdx < len(record) {
			tag := strings.TrimSpace(record[tagIdx])
			// Pandas-produced exports carry literal NaN for empty tags.
			if tag != "" && !strings.EqualFold(tag, "nan") {
				entry.Category = tag
			}
		}

		snap.entries = append(snap.entries, entry)
		snap.byDotted[code] = entry
		snap.byNoDot[strings.ReplaceAll(code, ".", "")] = entry
	}

	return snap, nil
}

// view returns the current snapshot, reloading first when the TTL elapsed.
// Failed reloads keep the prior snapshot and log a warning.
func (r *Reference) view() *snapshot {
	snap := r.current.Load()
	if time.Since(snap.loadedAt) < r.ttl {
		return snap
	}

	r.reload.Lock()
	defer r.reload.Unlock()

	// Another goroutine may have reloaded while we waited.
	snap = r.current.Load()
	if time.Since(snap.loadedAt) < r.ttl {
		return snap
	}

	fresh, err := loadSnapshot(r.csvPath)
	if err != nil {
		r.log.WithError(err).Warn("Reference reload failed, keeping prior snapshot")
		// Push the clock forward so every access does not retry the load.
		stale := *snap
		stale.loadedAt = time.Now()
		r.current.Store(&stale)
		return snap
	}

	r.current.Store(fresh)
	r.log.WithField("codes", len(fresh.entries)).Info("Reference reloaded")
	return fresh
}

// normalize strips whitespace and the dot from a code.
func normalize(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), ".", "")
}

// IsHCCRelevant reports whether the code, in either form, is in the table.
func (r *Reference) IsHCCRelevant(code string) bool {
	if code == "" {
		return false
	}
	_, ok := r.view().byNoDot[normalize(code)]
	return ok
}

// Get returns the entry for the code in either form.
func (r *Reference) Get(code string) (Entry, bool) {
	if code == "" {
		return Entry{}, false
	}
	entry, ok := r.view().byNoDot[normalize(code)]
	return entry, ok
}

// Len reports the number of loaded codes.
func (r *Reference) Len() int {
	return len(r.view().entries)
}

// Entries returns up to limit entries of the current snapshot. A
// non-positive limit returns all entries. The returned slice is a copy.
func (r *Reference) Entries(limit int) []Entry {
	entries := r.view().entries
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return append([]Entry(nil), entries...)
}

// Categories returns the sorted unique tag values with per-tag code counts.
func (r *Reference) Categories() []CategoryCount {
	counts := make(map[string]int)
	for _, entry := range r.view().entries {
		counts[entry.Category]++
	}

	result := make([]CategoryCount, 0, len(counts))
	for category, count := range counts {
		result = append(result, CategoryCount{Category: category, Count: count})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Category < result[j].Category })
	return result
}
