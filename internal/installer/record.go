package installer

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RecordEntry represents a single line in a RECORD file.
type RecordEntry struct {
	Path string
	Hash string // sha256=<digest>
	Size int64
}

// WriteRecord writes a RECORD file to the dist-info directory.
// The RECORD file itself is listed with empty hash and size per PEP 376.
func WriteRecord(distInfoDir string, entries []RecordEntry) error {
	recordPath := filepath.Join(distInfoDir, "RECORD")

	f, err := os.Create(recordPath)
	if err != nil {
		return fmt.Errorf("creating RECORD: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)

	for _, e := range entries {
		if err := w.Write([]string{e.Path, e.Hash, fmt.Sprintf("%d", e.Size)}); err != nil {
			return fmt.Errorf("writing RECORD entry: %w", err)
		}
	}

	// The RECORD file itself is listed with empty hash and size.
	relRecord := filepath.Join(filepath.Base(distInfoDir), "RECORD")
	if err := w.Write([]string{relRecord, "", ""}); err != nil {
		return fmt.Errorf("writing RECORD self-entry: %w", err)
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing RECORD: %w", err)
	}

	return f.Close()
}

// WriteInstaller writes the INSTALLER file identifying ferrum as the
// tool that placed this distribution (PEP 376).
func WriteInstaller(distInfoDir string) error {
	path := filepath.Join(distInfoDir, "INSTALLER")

	return os.WriteFile(path, []byte("ferrum\n"), 0o644)
}

// ReadRecord parses a RECORD file back into RecordEntry values, skipping
// the RECORD self-entry (whose hash and size are always blank).
func ReadRecord(recordPath string) ([]RecordEntry, error) {
	f, err := os.Open(recordPath)
	if err != nil {
		return nil, fmt.Errorf("opening RECORD: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var entries []RecordEntry

	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("parsing RECORD: %w", err)
		}

		if len(fields) < 1 || fields[0] == "" {
			continue
		}

		if len(fields) < 3 || (fields[1] == "" && fields[2] == "") {
			// The RECORD file's own self-entry: never delete it here,
			// Uninstall removes distInfoDir wholesale with an explicit
			// RemoveAll.
			continue
		}

		var size int64
		if fields[2] != "" {
			if _, err := fmt.Sscanf(fields[2], "%d", &size); err != nil {
				return nil, fmt.Errorf("parsing RECORD size for %s: %w", fields[0], err)
			}
		}

		entries = append(entries, RecordEntry{Path: fields[0], Hash: fields[1], Size: size})
	}

	return entries, nil
}

// HashFile computes the sha256 digest of a file and returns it
// in the format "sha256=<hex>" along with the file size.
func HashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()

	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}

	digest := "sha256=" + hex.EncodeToString(h.Sum(nil))

	return digest, n, nil
}
