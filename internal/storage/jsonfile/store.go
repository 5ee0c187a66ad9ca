package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"upvote_sync/internal/domain"
)

const DefaultPath = "upvoted_topics.json"

type Format string

const (
	FormatFull Format = "full"
	FormatURLs Format = "urls"
)

var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*://`)

// Resolution is the outcome of ResolvePath. Rejected holds an override that
// was refused because it names a network location.
type Resolution struct {
	Path     string
	Rejected string
}

// ResolvePath picks where the dataset lives. A URL override is never written
// to; the default local path is used instead.
func ResolvePath(override string) (Resolution, error) {
	switch {
	case override == "":
		return Resolution{Path: DefaultPath}, nil
	case schemePattern.MatchString(override):
		return Resolution{Path: DefaultPath, Rejected: override}, nil
	}

	if err := os.MkdirAll(filepath.Dir(override), 0o755); err != nil {
		return Resolution{}, fmt.Errorf("create data dir: %w", err)
	}
	return Resolution{Path: override}, nil
}

// Store keeps the whole record collection in one JSON file.
type Store struct {
	path   string
	format Format
	logger *slog.Logger
}

func New(path string, format Format, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		format: format,
		logger: logger.With("path", path),
	}
}

// Open resolves the override path and returns a store for it, warning when
// the override had to be discarded.
func Open(override string, format Format, logger *slog.Logger) (*Store, error) {
	res, err := ResolvePath(override)
	if err != nil {
		return nil, err
	}
	if res.Rejected != "" {
		logger.Warn("data path looks like a URL and cannot be written, using default",
			"override", res.Rejected,
			"path", res.Path,
		)
	}
	return New(res.Path, format, logger), nil
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored records. A missing file is an empty collection; an
// undecodable one is reported as domain.ErrPersistenceLoad.
func (s *Store) Load(ctx context.Context) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var records []domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrPersistenceLoad, s.path, err)
	}

	s.logger.Debug("loaded records", "count", len(records))
	return records, nil
}

// Save replaces the file with records. The data goes to a temp file first,
// so the previous file survives any failure before the rename.
func (s *Store) Save(ctx context.Context, records []domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.encode(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".upvote_sync-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}

	s.logger.Info("saved records", "count", len(records), "format", s.format)
	return nil
}

func (s *Store) encode(records []domain.Record) ([]byte, error) {
	var v any
	switch s.format {
	case FormatURLs:
		urls := make([]string, len(records))
		for i, r := range records {
			urls[i] = r.URL()
		}
		v = urls
	default:
		if records == nil {
			records = []domain.Record{}
		}
		v = records
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
