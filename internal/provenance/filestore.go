package provenance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fyrsmithlabs/calseq/internal/solve"
)

// FileStore persists records as NDJSON: one JSON object per line, appended
// with a single O_APPEND write under a mutex so concurrent runs sharing
// the file never interleave partial records.
type FileStore struct {
	path string

	mu sync.Mutex
	f  *os.File
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) the NDJSON record file at path.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open provenance store: %w", err)
	}
	return &FileStore{path: path, f: f}, nil
}

// Close releases the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// ByDataset implements Store.
func (s *FileStore) ByDataset(ctx context.Context, dataset string) ([]Record, error) {
	return s.scan(ctx, func(r Record) bool { return r.Dataset == dataset })
}

// ByStage implements Store.
func (s *FileStore) ByStage(ctx context.Context, dataset string, stage solve.StageKind) ([]Record, error) {
	return s.scan(ctx, func(r Record) bool { return r.Dataset == dataset && r.Stage == stage })
}

func (s *FileStore) scan(ctx context.Context, keep func(Record) bool) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open provenance store: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode provenance record at line %d: %w", line, err)
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan provenance store: %w", err)
	}
	return out, nil
}

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record

	// FailAppend forces Append to fail; used to exercise warning paths.
	FailAppend error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppend != nil {
		return s.FailAppend
	}
	s.records = append(s.records, rec)
	return nil
}

// ByDataset implements Store.
func (s *MemoryStore) ByDataset(_ context.Context, dataset string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.Dataset == dataset {
			out = append(out, r)
		}
	}
	return out, nil
}

// ByStage implements Store.
func (s *MemoryStore) ByStage(_ context.Context, dataset string, stage solve.StageKind) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.Dataset == dataset && r.Stage == stage {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns a copy of every record, in append order.
func (s *MemoryStore) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
