// Package settings persists user preferences changed from inside the app.
// It is kept apart from config.toml, which the app never writes.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

const (
	ThemeDark  = "dark"
	ThemeLight = "light"
)

type Settings struct {
	Theme string `toml:"theme"`
}

func Default() Settings {
	return Settings{Theme: ThemeDark}
}

type Store interface {
	Load() (Settings, error)
	Save(Settings) error
}

// FileStore keeps settings in a TOML file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns defaults when the file does not exist yet.
func (s *FileStore) Load() (Settings, error) {
	st := Default()
	if _, err := toml.DecodeFile(s.path, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("settings %s: %w", s.path, err)
	}
	if st.Theme != ThemeDark && st.Theme != ThemeLight {
		st.Theme = ThemeDark
	}
	return st, nil
}

// Save writes atomically via a temp file in the same directory.
func (s *FileStore) Save(st Settings) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(st); err != nil {
		tmp.Close()
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

type MemStore struct {
	mu sync.Mutex
	st Settings
}

func NewMemStore(st Settings) *MemStore {
	return &MemStore{st: st}
}

func (m *MemStore) Load() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *MemStore) Save(st Settings) error {
	m.mu.Lock()
	m.st = st
	m.mu.Unlock()
	return nil
}
