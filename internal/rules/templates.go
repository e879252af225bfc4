// internal/rules/templates.go
package rules

import (
	"image"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// TemplateStore loads and caches template images referenced by
// template_match_found conditions. Paths resolve relative to the profile's
// base path; a template is decoded once per process.
type TemplateStore struct {
	basePath string

	mu    sync.Mutex
	cache map[string]*image.NRGBA
}

// NewTemplateStore returns a store rooted at the profile's directory.
func NewTemplateStore(basePath string) *TemplateStore {
	return &TemplateStore{
		basePath: basePath,
		cache:    make(map[string]*image.NRGBA),
	}
}

// Load returns the decoded template, from cache when possible.
func (s *TemplateStore) Load(filename string) (*image.NRGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if img, ok := s.cache[filename]; ok {
		return img, nil
	}

	path := filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.basePath, filename)
	}
	decoded, err := imaging.Open(path)
	if err != nil {
		return nil, schemas.E(schemas.ErrCodeConfig, "loading template %q: %w", filename, err)
	}

	img := imaging.Clone(decoded)
	s.cache[filename] = img
	return img, nil
}
