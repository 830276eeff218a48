// Package configstore manages the user-editable agent files: soul.md,
// memory.md, and blocklist.json. Files are read on demand (never cached) and
// written atomically.
package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Kind identifies one of the managed files.
type Kind string

const (
	KindSoul      Kind = "soul"
	KindMemory    Kind = "memory"
	KindBlocklist Kind = "blocklist"
)

var fileNames = map[Kind]string{
	KindSoul:      "soul.md",
	KindMemory:    "memory.md",
	KindBlocklist: "blocklist.json",
}

// Entry is a snapshot of a managed file.
type Entry struct {
	Content      string    `json:"content"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
}

// Store reads and writes the managed files under a single directory.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Read returns the current content of the file. A missing file reads as an
// empty entry, not an error.
func (s *Store) Read(kind Kind) (Entry, error) {
	path, err := s.path(kind)
	if err != nil {
		return Entry{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, nil
		}
		return Entry{}, fmt.Errorf("read %s: %w", kind, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", kind, err)
	}

	return Entry{
		Content:      string(data),
		LastModified: info.ModTime(),
		Size:         info.Size(),
	}, nil
}

// Write replaces the file content atomically (tmp + rename). Blocklist
// content is validated before anything touches disk.
func (s *Store) Write(kind Kind, content string) error {
	path, err := s.path(kind)
	if err != nil {
		return err
	}

	if kind == KindBlocklist {
		if err := validateBlocklist(content); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write tmp %s: %w", kind, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", kind, err)
	}
	return nil
}

// SystemPrompt assembles the completion system prompt from soul and memory.
// Missing files contribute nothing.
func (s *Store) SystemPrompt() string {
	var parts []string
	for _, kind := range []Kind{KindSoul, KindMemory} {
		entry, err := s.Read(kind)
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(entry.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (s *Store) path(kind Kind) (string, error) {
	name, ok := fileNames[kind]
	if !ok {
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	return filepath.Join(s.dir, name), nil
}

// blocklist is the required shape of blocklist.json.
type blocklist struct {
	Strict *[]string `json:"strict"`
	Warn   *[]string `json:"warn"`
}

func validateBlocklist(content string) error {
	var bl blocklist
	if err := sonic.Unmarshal([]byte(content), &bl); err != nil {
		return fmt.Errorf("blocklist is not valid JSON: %w", err)
	}
	if bl.Strict == nil {
		return fmt.Errorf("blocklist is missing required key %q", "strict")
	}
	if bl.Warn == nil {
		return fmt.Errorf("blocklist is missing required key %q", "warn")
	}
	return nil
}
