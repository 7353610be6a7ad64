package artifact

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// maxRowBytes bounds a single source line.
const maxRowBytes = 4 * 1024 * 1024

// Store keeps batch artifacts in one local directory. Source artifacts are
// JSONL, one object per line in row order; result artifacts are CSV with
// one row per source row. Refs are plain file names within the directory.
type Store struct {
	dir       string
	formatter Formatter
}

// NewStore creates an artifact store rooted at dir, creating it if needed.
// A nil formatter falls back to DefaultFormatter.
func NewStore(dir string, formatter Formatter) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if formatter == nil {
		formatter = DefaultFormatter
	}
	return &Store{dir: dir, formatter: formatter}, nil
}

// path resolves a ref inside the store directory, refusing traversal.
func (s *Store) path(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean != filepath.Base(clean) || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("invalid artifact ref %q", ref)
	}
	return filepath.Join(s.dir, clean), nil
}

// Rows reads the source artifact and returns its rows in index order.
func (s *Store) Rows(ctx context.Context, sourceRef string) ([]engine.Row, error) {
	path, err := s.path(sourceRef)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source artifact: %w", err)
	}
	defer f.Close()

	var rows []engine.Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRowBytes)

	index := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var inputs map[string]any
		if err := json.Unmarshal([]byte(line), &inputs); err != nil {
			return nil, fmt.Errorf("row %d of %s is not a JSON object: %w", index, sourceRef, err)
		}
		rows = append(rows, engine.Row{Index: index, Inputs: inputs})
		index++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read source artifact: %w", err)
	}
	return rows, nil
}

// Assemble writes the result artifact for a finished batch. Output row i
// carries the result with row index i; success rows get their formatted
// outputs, failed rows a readable error.
func (s *Store) Assemble(ctx context.Context, batch *engine.Batch, results []engine.RowResult) (string, error) {
	resultRef := batch.ID + "-results.csv"
	path, err := s.path(resultRef)
	if err != nil {
		return "", err
	}

	sorted := make([]engine.RowResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RowIndex < sorted[j].RowIndex })

	tmp, err := os.CreateTemp(s.dir, batch.ID+"-*.csv.tmp")
	if err != nil {
		return "", fmt.Errorf("create result artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"row_index", "status", "result"}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write result header: %w", err)
	}

	for _, r := range sorted {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return "", err
		}
		var cell string
		switch r.Status {
		case engine.ExecutionStatusSuccess:
			cell = s.formatter(r.Outputs)
		case engine.ExecutionStatusFailed:
			cell = "ERROR: " + r.ErrorMessage
		}
		if err := w.Write([]string{strconv.Itoa(r.RowIndex), string(r.Status), cell}); err != nil {
			tmp.Close()
			return "", fmt.Errorf("write result row %d: %w", r.RowIndex, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("flush result artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close result artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish result artifact: %w", err)
	}

	log.Info().
		Str("batch_id", batch.ID).
		Str("result_ref", resultRef).
		Int("rows", len(sorted)).
		Msg("Result artifact assembled")

	return resultRef, nil
}

// Remove deletes artifacts by ref. Missing files are not an error.
func (s *Store) Remove(ctx context.Context, refs ...string) error {
	var firstErr error
	for _, ref := range refs {
		path, err := s.path(ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("ref", ref).Msg("Failed to remove artifact")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
