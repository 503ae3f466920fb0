package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileStore serves attachment metadata parsed from a YAML, JSON or TOML
// file. The file maps attachment ids (as strings) to Attachment values:
//
//	"42":
//	  width: 1920
//	  height: 1280
//	  sizes:
//	    medium: {width: 300, height: 200, file: photo-300x200.jpg}
//
// FileStore is safe for concurrent use.
type FileStore struct {
	path string

	mu          sync.RWMutex
	attachments map[int]*Attachment
}

// LoadFile parses the metadata file at path.
func LoadFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file the store was loaded from.
func (s *FileStore) Path() string {
	return s.path
}

// Reload re-reads the backing file. On error the previously loaded data is
// kept.
func (s *FileStore) Reload() error {
	attachments, err := parseFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.attachments = attachments
	s.mu.Unlock()
	return nil
}

// Attachment returns the metadata for id, or nil.
func (s *FileStore) Attachment(id int) *Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attachments[id]
}

// IDs returns every attachment id in ascending order.
func (s *FileStore) IDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.attachments))
	for id := range s.attachments {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close is a no-op; FileStore holds no open handles.
func (s *FileStore) Close() error {
	return nil
}

// parseFile decodes path according to its extension.
func parseFile(path string) (map[int]*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file %s: %w", path, err)
	}

	raw := make(map[string]*Attachment)

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported metadata file extension %q", ext)
	}

	result := make(map[int]*Attachment, len(raw))
	for key, att := range raw {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("parsing %s: invalid attachment id %q", path, key)
		}
		if att == nil {
			att = &Attachment{}
		}
		result[id] = att
	}
	return result, nil
}
