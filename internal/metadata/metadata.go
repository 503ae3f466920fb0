// Package metadata supplies the host platform's attachment size variants:
// for an attachment identifier, the full-size dimensions and the named size
// variants (width, height, file basename) that were generated for it.
package metadata

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aellingwood/webpcdn/internal/config"
)

// ErrNotFound is returned by stores when an attachment id is unknown.
var ErrNotFound = errors.New("metadata: attachment not found")

// Attachment is the size metadata of one platform-managed media asset.
// Zero dimensions mean "unknown".
type Attachment struct {
	Width  int             `json:"width,omitempty"  yaml:"width,omitempty"  toml:"width,omitempty"`
	Height int             `json:"height,omitempty" yaml:"height,omitempty" toml:"height,omitempty"`
	File   string          `json:"file,omitempty"   yaml:"file,omitempty"   toml:"file,omitempty"`
	Sizes  map[string]Size `json:"sizes,omitempty"  yaml:"sizes,omitempty"  toml:"sizes,omitempty"`
}

// Size is one named rendering of an attachment.
type Size struct {
	Width  int    `json:"width,omitempty"  yaml:"width,omitempty"  toml:"width,omitempty"`
	Height int    `json:"height,omitempty" yaml:"height,omitempty" toml:"height,omitempty"`
	File   string `json:"file,omitempty"   yaml:"file,omitempty"   toml:"file,omitempty"`
}

// SizeNames returns the attachment's size names in sorted order so callers
// that search the table get a deterministic first match.
func (a *Attachment) SizeNames() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Sizes))
	for name := range a.Sizes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves an attachment id to its metadata. Implementations return
// nil when nothing is known about the id.
type Lookup interface {
	Attachment(id int) *Attachment
}

// LookupFunc adapts an ordinary function to the Lookup interface.
type LookupFunc func(id int) *Attachment

// Attachment calls f(id).
func (f LookupFunc) Attachment(id int) *Attachment {
	if f == nil {
		return nil
	}
	return f(id)
}

// Store is a Lookup that owns resources.
type Store interface {
	Lookup
	Close() error
}

// nopStore never finds anything.
type nopStore struct{}

func (nopStore) Attachment(int) *Attachment { return nil }
func (nopStore) Close() error               { return nil }

// Open returns the Store selected by cfg.
func Open(cfg config.MetadataConfig) (Store, error) {
	switch cfg.Source {
	case "", config.MetadataNone:
		return nopStore{}, nil
	case config.MetadataFile:
		fileStore, err := LoadFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return fileStore, nil
	case config.MetadataSQLite:
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("metadata: unknown source %q", cfg.Source)
	}
}
