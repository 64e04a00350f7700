// Package archive expands zip bundles so a batch of clinical notes can be
// dropped into the watch directory as a single file.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Entry is one extractable file from a bundle.
type Entry struct {
	Name string
	Data []byte
}

// maxEntrySize guards against zip bombs. Clinical notes are small; anything
// beyond this is not a note.
const maxEntrySize = 16 << 20

// ExtractText returns the entries of a zip archive whose extension is in
// extensions (all entries when the list is empty). Directories, hidden
// files, and entries that escape the archive root are skipped.
func ExtractText(data []byte, extensions []string) ([]Entry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	var entries []Entry
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Clean(f.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		base := filepath.Base(name)
		if strings.HasPrefix(base, ".") || !matches(base, extensions) {
			continue
		}
		if f.UncompressedSize64 > maxEntrySize {
			return nil, fmt.Errorf("archive entry %s exceeds %d bytes", f.Name, maxEntrySize)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxEntrySize))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
		}

		entries = append(entries, Entry{Name: base, Data: content})
	}

	return entries, nil
}

func matches(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}
