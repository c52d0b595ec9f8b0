package subagents

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileExt = ".md"

// Store keeps one definition file per subagent in a directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore returns a store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger.With("component", "subagents")}
}

// Dir is the directory holding the definitions.
func (s *Store) Dir() string { return s.dir }

// PathFor is where the definition named name lives.
func (s *Store) PathFor(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

// List reads every definition, sorted by name. Files that fail to parse
// are logged and skipped.
func (s *Store) List() ([]Definition, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subagent directory: %w", err)
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		def, err := s.read(path)
		if err != nil {
			s.logger.Warn("skipping invalid subagent definition", "path", path, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Get reads the definition named name.
func (s *Store) Get(name string) (Definition, error) {
	def, err := s.read(s.PathFor(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, err
}

// Create writes a new definition. An existing file with the same name is
// left alone and ErrAlreadyExists is returned.
func (s *Store) Create(def Definition) (Definition, error) {
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	data, err := Marshal(def)
	if err != nil {
		return Definition{}, err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return Definition{}, fmt.Errorf("create subagent directory: %w", err)
	}
	path := s.PathFor(def.Name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return Definition{}, fmt.Errorf("%w: %s", ErrAlreadyExists, def.Name)
	}
	if err != nil {
		return Definition{}, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return Definition{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return Definition{}, err
	}
	def.Path = path
	s.logger.Info("created subagent", "name", def.Name, "path", path)
	return def, nil
}

// Delete removes the definition named name.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.PathFor(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

func (s *Store) read(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	def, err := Parse(data)
	if err != nil {
		return Definition{}, err
	}
	if want := strings.TrimSuffix(filepath.Base(path), fileExt); def.Name != want {
		return Definition{}, fmt.Errorf("name %q does not match file name %q", def.Name, want)
	}
	def.Path = path
	return def, nil
}
