package client

import (
	"errors"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Bookmark is a saved server and the queues watched on it.
type Bookmark struct {
	Name      string  `yaml:"name"`
	ServerURL string  `yaml:"server_url"`
	Token     string  `yaml:"token,omitempty"`
	Queues    []int64 `yaml:"queues,omitempty"`
	Insecure  bool    `yaml:"insecure,omitempty"`
	LastUsed  int64   `yaml:"last_used,omitempty"`
}

// BookmarkStore manages bookmarks in a YAML file.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// DefaultBookmarkPath returns servers.yaml next to the executable.
func DefaultBookmarkPath() string {
	exePath, err := os.Executable()
	if err != nil {
		exePath = "."
	}
	return filepath.Join(filepath.Dir(exePath), "servers.yaml")
}

// NewBookmarkStore creates a store backed by path.
func NewBookmarkStore(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// Path returns the backing file.
func (bs *BookmarkStore) Path() string { return bs.path }

// Load reads bookmarks from disk. A missing file is an empty list.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk. The file holds tokens, so it is private.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0o600)
}

// Add adds or replaces the bookmark with the same name. Returns true if it
// was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.Name == b.Name {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Touch updates LastUsed for an existing bookmark.
func (bs *BookmarkStore) Touch(name string, ts int64) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Name == name {
			bs.Bookmarks[i].LastUsed = ts
			return true
		}
	}
	return false
}

// Find returns the bookmark with the given name, or nil.
func (bs *BookmarkStore) Find(name string) *Bookmark {
	for _, b := range bs.Bookmarks {
		if b.Name == name {
			return &b
		}
	}
	return nil
}

// MostRecent returns the last used bookmark, or nil if there are none.
func (bs *BookmarkStore) MostRecent() *Bookmark {
	if len(bs.Bookmarks) == 0 {
		return nil
	}
	b := slices.MaxFunc(bs.Bookmarks, func(a, b Bookmark) int {
		switch {
		case a.LastUsed < b.LastUsed:
			return -1
		case a.LastUsed > b.LastUsed:
			return 1
		}
		return 0
	})
	return &b
}
