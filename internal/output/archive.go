package output

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/example/splat-api/internal/domain"
)

const (
	// ArchiveFilename is the download name of a batch archive.
	ArchiveFilename = "gaussians.zip"
	// ArchiveContentType is the media type of a batch archive.
	ArchiveContentType = "application/zip"
)

var errArchiveClosed = errors.New("archive writer already finalized or discarded")

// ArchiveWriter accumulates zip entries in memory. Its bytes only become
// available once Finalize has written the central directory, so a partially
// built archive can never be handed out.
type ArchiveWriter struct {
	buf     *bytes.Buffer
	zw      *zip.Writer
	names   map[string]int
	entries int
	closed  bool
	modTime time.Time
}

// NewArchiveWriter returns an empty writer.
func NewArchiveWriter() *ArchiveWriter {
	buf := new(bytes.Buffer)
	return &ArchiveWriter{
		buf:     buf,
		zw:      zip.NewWriter(buf),
		names:   make(map[string]int),
		modTime: time.Now(),
	}
}

// Add compresses data into a new entry. Repeated names get a numeric suffix
// so every artifact stays addressable. It returns the name actually used.
func (w *ArchiveWriter) Add(name string, data []byte) (string, error) {
	if w.closed {
		return "", errArchiveClosed
	}
	entryName := w.uniqueName(name)
	header := &zip.FileHeader{
		Name:   entryName,
		Method: zip.Deflate,
	}
	header.Modified = w.modTime
	fw, err := w.zw.CreateHeader(header)
	if err != nil {
		return "", fmt.Errorf("create archive entry %s: %w", entryName, err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("write archive entry %s: %w", entryName, err)
	}
	w.entries++
	return entryName, nil
}

// Entries returns the number of entries added so far.
func (w *ArchiveWriter) Entries() int {
	return w.entries
}

// Finalize closes the archive and returns its complete bytes.
func (w *ArchiveWriter) Finalize() ([]byte, error) {
	if w.closed {
		return nil, errArchiveClosed
	}
	w.closed = true
	if err := w.zw.Close(); err != nil {
		w.buf = nil
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	data := w.buf.Bytes()
	w.buf = nil
	return data, nil
}

// Discard drops everything written so far.
func (w *ArchiveWriter) Discard() {
	w.closed = true
	w.buf = nil
}

func (w *ArchiveWriter) uniqueName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		name = "artifact"
	}
	count := w.names[name]
	w.names[name] = count + 1
	if count == 0 {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := fmt.Sprintf("%s-%d%s", stem, count, ext)
	for w.names[candidate] > 0 {
		count++
		candidate = fmt.Sprintf("%s-%d%s", stem, count, ext)
	}
	w.names[candidate] = 1
	return candidate
}

// Archive is a fully materialized batch archive.
type Archive struct {
	Data      []byte
	Entries   []string
	Succeeded int
	Failed    int
}

// BuildArchive writes every successful artifact into a zip, in batch order.
// Failed items are left out entirely. A batch with no successes yields a
// valid empty archive.
func BuildArchive(result *domain.BatchResult) (*Archive, error) {
	w := NewArchiveWriter()
	archive := &Archive{}
	if result != nil {
		for _, outcome := range result.Outcomes {
			if outcome.Artifact == nil {
				archive.Failed++
				continue
			}
			name, err := w.Add(outcome.Artifact.ArtifactFilename, outcome.Artifact.Data)
			if err != nil {
				w.Discard()
				return nil, err
			}
			archive.Entries = append(archive.Entries, name)
			archive.Succeeded++
		}
	}
	data, err := w.Finalize()
	if err != nil {
		return nil, err
	}
	archive.Data = data
	return archive, nil
}
