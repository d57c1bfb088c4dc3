// Package export bundles the audit trail into retention archives: the
// rows the sync core appended since the previous archive, written as
// per-collection JSONL inside a checksummed tar.gz, optionally encrypted
// and uploaded to an object store.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caredock/caresync/internal/errors"
	expcrypto "github.com/caredock/caresync/internal/export/crypto"
	"github.com/caredock/caresync/internal/logging"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	"github.com/caredock/caresync/internal/syncutil"
)

// auditCollections are archived in this order. All are append-only.
var auditCollections = []string{
	models.CollectionSyncOperations,
	models.CollectionQueueProcessingLog,
	models.CollectionConflictLog,
	models.CollectionDeletionLog,
}

// archivePageLimit is the page size used when draining audit rows.
const archivePageLimit = 500

// ObjectStore uploads finished archives to a remote destination.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Options configures the archiver.
type Options struct {
	// Directory receives archive files. Created on demand.
	Directory string

	// Password encrypts archives when non-empty. Never stored.
	Password string

	// Objects, when non-nil, receives every finished archive.
	Objects ObjectStore
}

// Service produces audit archives. Safe for use by both the scheduler
// and the manual trigger endpoint; runs are independent.
type Service struct {
	store store.Store
	opts  Options
}

// NewService creates an archiver reading from the given store.
func NewService(st store.Store, opts Options) *Service {
	if opts.Directory == "" {
		opts.Directory = "archives"
	}
	return &Service{store: st, opts: opts}
}

// Manifest describes the contents of one archive. It is stored inside
// the tarball next to the data files.
type Manifest struct {
	Version     string         `json:"version"`
	CreatedAt   string         `json:"created_at"`
	Since       string         `json:"since,omitempty"`
	Collections map[string]int `json:"collections"`
	RowCount    int            `json:"row_count"`
	Encrypted   bool           `json:"encrypted"`
}

// Result summarizes one archive run. A run that found no new rows has
// RowCount 0 and an empty FilePath.
type Result struct {
	FilePath    string
	SizeBytes   int64
	RowCount    int
	Checksum    string
	Encrypted   bool
	Destination string
	Duration    time.Duration
}

// Run performs one archive pass: drain rows newer than the previous
// archive, build the artifact, record it. Overlap at the window edge is
// possible when rows land mid-run; the audit trail tolerates duplicate
// archived rows, never gaps.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	since := s.lastArchiveTime(ctx)

	tempDir, err := os.MkdirTemp("", "caresync-archive-*")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "cannot create temp directory", err)
	}
	defer os.RemoveAll(tempDir)

	counts, total, err := s.writeCollections(ctx, tempDir, since)
	if err != nil {
		return nil, err
	}

	if total == 0 {
		logging.Info("archive run found no new audit rows", map[string]interface{}{
			"since": since,
		})
		return &Result{Duration: time.Since(start)}, nil
	}

	createdAt := syncutil.FormatTimestamp(start)
	manifest := Manifest{
		Version:     "1.0",
		CreatedAt:   createdAt,
		Since:       since,
		Collections: counts,
		RowCount:    total,
		Encrypted:   s.opts.Password != "",
	}
	if err := writeManifest(filepath.Join(tempDir, "manifest.json"), &manifest); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "cannot write manifest", err)
	}

	artifact, err := buildArchive(tempDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "cannot build archive", err)
	}

	name := fmt.Sprintf("caresync_audit_%s.tar.gz", start.UTC().Format("20060102_150405"))
	if s.opts.Password != "" {
		encrypted, err := expcrypto.EncryptArchive(artifact, s.opts.Password)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCryptoFailed, "cannot encrypt archive", err)
		}
		artifact = encrypted
		name += ".enc"
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(artifact))

	finalPath := filepath.Join(s.opts.Directory, name)
	if err := writeFileAtomic(finalPath, artifact); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "cannot write archive file", err)
	}

	// Upload failure keeps the local artifact and the record; the next
	// operator pass can re-upload from disk.
	destination := ""
	if s.opts.Objects != nil {
		if err := s.opts.Objects.Upload(ctx, name, artifact); err != nil {
			logging.Error("archive upload failed", err, map[string]interface{}{
				"file": finalPath,
			})
		} else {
			destination = name
		}
	}

	record := models.ArchiveRecord{
		FilePath:    finalPath,
		Checksum:    checksum,
		SizeBytes:   int64(len(artifact)),
		RowCount:    total,
		Since:       since,
		IsEncrypted: s.opts.Password != "",
		Destination: destination,
		CreatedAt:   createdAt,
	}
	doc, err := models.ToDocument(record)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode archive record", err)
	}
	if _, err := s.store.Create(ctx, record.CollectionName(), "", doc); err != nil {
		return nil, err
	}

	result := &Result{
		FilePath:    finalPath,
		SizeBytes:   int64(len(artifact)),
		RowCount:    total,
		Checksum:    checksum,
		Encrypted:   s.opts.Password != "",
		Destination: destination,
		Duration:    time.Since(start),
	}

	logging.Info("audit archive created", map[string]interface{}{
		"file":       result.FilePath,
		"rows":       result.RowCount,
		"size_bytes": result.SizeBytes,
		"encrypted":  result.Encrypted,
		"uploaded":   destination != "",
	})
	return result, nil
}

// lastArchiveTime returns the start timestamp of the most recent archive
// run, or "" when none exists. A read failure archives from the
// beginning rather than failing the run.
func (s *Service) lastArchiveTime(ctx context.Context) string {
	last := ""
	cursor := ""
	for {
		q := store.NewQuery().WithLimit(archivePageLimit).WithCursor(cursor)
		page, err := s.store.List(ctx, models.CollectionArchiveRecords, q)
		if err != nil {
			logging.Warn("reading archive records failed", map[string]interface{}{
				"error": err.Error(),
			})
			return ""
		}
		for _, doc := range page.Documents {
			var rec models.ArchiveRecord
			if err := models.FromDocument(doc, &rec); err != nil {
				continue
			}
			// Canonical timestamps compare lexicographically.
			if rec.CreatedAt > last {
				last = rec.CreatedAt
			}
		}
		if page.NextCursor == "" {
			return last
		}
		cursor = page.NextCursor
	}
}

// writeCollections drains each audit collection into a JSONL file in
// dir. Returns per-collection row counts and the total.
func (s *Service) writeCollections(ctx context.Context, dir, since string) (map[string]int, int, error) {
	counts := make(map[string]int, len(auditCollections))
	total := 0
	for _, collection := range auditCollections {
		n, err := s.writeCollection(ctx, dir, collection, since)
		if err != nil {
			return nil, 0, err
		}
		counts[collection] = n
		total += n
	}
	return counts, total, nil
}

// writeCollection streams one collection's new rows into
// <collection>.jsonl, one document per line. No file is created when the
// collection has no new rows.
func (s *Service) writeCollection(ctx context.Context, dir, collection, since string) (int, error) {
	var file *os.File
	count := 0
	cursor := ""
	for {
		q := store.NewQuery().WithLimit(archivePageLimit).WithCursor(cursor)
		if since != "" {
			q = q.UpdatedSince(since)
		}
		page, err := s.store.List(ctx, collection, q)
		if err != nil {
			return 0, err
		}

		for _, doc := range page.Documents {
			if file == nil {
				file, err = os.Create(filepath.Join(dir, collection+".jsonl"))
				if err != nil {
					return 0, errors.Wrap(errors.ErrExportFailed, "cannot create data file", err)
				}
				defer file.Close()
			}
			line, err := json.Marshal(doc)
			if err != nil {
				return 0, errors.Wrap(errors.ErrExportFailed, "cannot encode audit row", err)
			}
			if _, err := file.Write(append(line, '\n')); err != nil {
				return 0, errors.Wrap(errors.ErrExportFailed, "cannot write data file", err)
			}
			count++
		}

		if page.NextCursor == "" {
			return count, nil
		}
		cursor = page.NextCursor
	}
}

// writeManifest writes the archive manifest.
func writeManifest(path string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadManifest parses a manifest extracted from an archive.
func ReadManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(errors.ErrCorruptedArchive, "invalid manifest", err)
	}
	return &manifest, nil
}

// buildArchive tars and gzips every file in sourceDir.
func buildArchive(sourceDir string) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	err := filepath.Walk(sourceDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(sourceDir, file)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractArchive unpacks an archive produced by Run into a map of file
// name to contents, decrypting first when a password is given. Intended
// for restore tooling and tests.
func ExtractArchive(data []byte, password string) (map[string][]byte, error) {
	if password != "" {
		decrypted, err := expcrypto.DecryptArchive(data, password)
		if err != nil {
			return nil, err
		}
		data = decrypted
	}

	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCorruptedArchive, "invalid gzip stream", err)
	}
	defer gzr.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrCorruptedArchive, "invalid tar stream", err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCorruptedArchive, "truncated tar entry", err)
		}
		files[header.Name] = content
	}
	return files, nil
}

// writeFileAtomic writes data then renames into place so a crashed run
// never leaves a partial archive behind.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}
