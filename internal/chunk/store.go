// Package chunk persists pulled rows as self-describing files under a
// directory per process, until the importer consumes them.
package chunk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

var (
	ErrNotFound    = errors.New("chunk not found")
	ErrInvalidName = errors.New("invalid chunk file name")
)

// DataType names what a chunk file holds.
type DataType string

const (
	Transaction DataType = "TRANSACTION"
	Master      DataType = "MASTER"
	Code        DataType = "CODE"
)

const (
	Ext       = ".jsonl.gz"
	keyLayout = "20060102150405"
)

var unsafeKey = regexp.MustCompile(`[^0-9A-Za-z_.]+`)

// FormatKey renders an increment-column value for use in a file name.
func FormatKey(v any) string {
	switch x := frame.Normalize(v).(type) {
	case nil:
		return "none"
	case time.Time:
		return x.UTC().Format(keyLayout)
	default:
		return unsafeKey.ReplaceAllString(frame.AsString(x), "_")
	}
}

// File describes a transaction chunk on disk.
type File struct {
	Path    string
	Type    DataType
	MinKey  string
	MaxKey  string
	Created time.Time
}

func (f File) Name() string { return filepath.Base(f.Path) }

// Name builds {type}-{minKey}-{maxKey}-{createdMicros}.jsonl.gz.
func Name(dt DataType, minKey, maxKey string, created time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%d%s", dt, minKey, maxKey, created.UnixMicro(), Ext)
}

// ParseName reverses Name.
func ParseName(path string) (File, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, Ext) {
		return File{}, fmt.Errorf("%s: %w", base, ErrInvalidName)
	}
	parts := strings.Split(strings.TrimSuffix(base, Ext), "-")
	if len(parts) != 4 {
		return File{}, fmt.Errorf("%s: %w", base, ErrInvalidName)
	}
	micros, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", base, ErrInvalidName)
	}
	return File{
		Path:    path,
		Type:    DataType(parts[0]),
		MinKey:  parts[1],
		MaxKey:  parts[2],
		Created: time.UnixMicro(micros).UTC(),
	}, nil
}

// Store is the directory-per-process chunk layout rooted at one data directory.
type Store struct {
	root string
	now  func() time.Time

	mu          sync.Mutex
	lastCreated time.Time
}

func NewStore(root string) *Store {
	return &Store{root: root, now: time.Now}
}

func (s *Store) Root() string { return s.root }

func (s *Store) ProcessDir(processID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(processID, 10))
}

// created returns a strictly increasing creation time so names never collide
// and sort in write order.
func (s *Store) created() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastCreated) {
		t = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = t
	return t
}

// WriteTransaction persists one transaction chunk keyed by the observed
// min/max of its increment column. The file is complete once this returns.
func (s *Store) WriteTransaction(processID int64, f *frame.Frame, minKey, maxKey any) (File, error) {
	created := s.created()
	path := filepath.Join(s.ProcessDir(processID), Name(Transaction, FormatKey(minKey), FormatKey(maxKey), created))
	if err := writeFile(path, f); err != nil {
		return File{}, err
	}
	return File{Path: path, Type: Transaction, MinKey: FormatKey(minKey), MaxKey: FormatKey(maxKey), Created: created}, nil
}

// WriteReference replaces the MASTER or CODE file of a process.
func (s *Store) WriteReference(processID int64, dt DataType, f *frame.Frame) error {
	return writeFile(s.referencePath(processID, dt), f)
}

// ReadReference returns ErrNotFound when the reference file was never pulled.
func (s *Store) ReadReference(processID int64, dt DataType) (*frame.Frame, error) {
	f, err := Read(s.referencePath(processID, dt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s for process %d: %w", dt, processID, ErrNotFound)
	}
	return f, err
}

func (s *Store) referencePath(processID int64, dt DataType) string {
	return filepath.Join(s.ProcessDir(processID), string(dt)+Ext)
}

// List returns the transaction chunks of a process in write order.
func (s *Store) List(processID int64) ([]File, error) {
	entries, err := os.ReadDir(s.ProcessDir(processID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), string(Transaction)+"-") {
			continue
		}
		f, err := ParseName(filepath.Join(s.ProcessDir(processID), e.Name()))
		if err != nil {
			continue
		}
		files = append(files, f)
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].Created.Equal(files[j].Created) {
			return files[i].Created.Before(files[j].Created)
		}
		return files[i].Name() < files[j].Name()
	})
	return files, nil
}

func (s *Store) Remove(f File) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove chunk %s: %w", f.Name(), err)
	}
	return nil
}

// RemoveProcess deletes every file of a process.
func (s *Store) RemoveProcess(processID int64) error {
	if err := os.RemoveAll(s.ProcessDir(processID)); err != nil {
		return fmt.Errorf("remove chunk dir: %w", err)
	}
	return nil
}

// Read decodes a chunk file.
func Read(path string) (*frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f, err := Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// writeFile writes through a temp file, syncs and renames so a reader never
// observes a partial chunk.
func writeFile(path string, f *frame.Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create chunk temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, f); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename chunk: %w", err)
	}
	return nil
}
