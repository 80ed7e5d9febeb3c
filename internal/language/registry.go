package language

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/sakif/sandbox-executor/internal/apperror"
)

// Registry is an immutable lookup table of profiles. It is safe for
// concurrent use because nothing mutates it after NewRegistry returns.
type Registry struct {
	profiles   map[string]Profile
	extensions map[string]string // ".py" -> "python"
}

// NewRegistry validates the profiles and builds the lookup tables.
// Two profiles claiming the same extension is a configuration error.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{
		profiles:   make(map[string]Profile, len(profiles)),
		extensions: make(map[string]string),
	}

	for _, p := range profiles {
		if p.ID == "" || p.Image == "" || p.EntryFile == "" {
			return nil, fmt.Errorf("language: profile %q: id, image and entry file are required", p.ID)
		}
		if strings.TrimSpace(p.RunCmd) == "" {
			return nil, fmt.Errorf("language: profile %q: run command is required", p.ID)
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("language: duplicate profile %q", p.ID)
		}

		p.Extensions = append([]string(nil), p.Extensions...)
		p.Env = append([]string(nil), p.Env...)
		for i, ext := range p.Extensions {
			ext = strings.ToLower(ext)
			p.Extensions[i] = ext
			if owner, taken := r.extensions[ext]; taken {
				return nil, fmt.Errorf("language: extension %s claimed by both %q and %q", ext, owner, p.ID)
			}
			r.extensions[ext] = p.ID
		}
		r.profiles[p.ID] = p
	}

	return r, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := NewRegistry(builtin...)
	if err != nil {
		panic(err)
	}
	return r
})

// Default returns the process-wide registry built from the builtin table.
func Default() *Registry {
	return defaultRegistry()
}

// Resolve returns the profile for id, or an ErrUnsupportedLanguage error.
func (r *Registry) Resolve(id string) (Profile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Profile{}, apperror.UnsupportedLanguage(id)
	}
	return clone(p), nil
}

// ByExtension returns the profile owning the file extension of name.
func (r *Registry) ByExtension(name string) (Profile, bool) {
	id, ok := r.extensions[strings.ToLower(path.Ext(name))]
	if !ok {
		return Profile{}, false
	}
	return clone(r.profiles[id]), true
}

// List returns all profiles ordered by id.
func (r *Registry) List() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Images returns the distinct sandbox images referenced by the table.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{}, len(r.profiles))
	var images []string
	for _, p := range r.List() {
		if _, ok := seen[p.Image]; ok {
			continue
		}
		seen[p.Image] = struct{}{}
		images = append(images, p.Image)
	}
	return images
}

// clone copies the slices so callers cannot write through to the table.
func clone(p Profile) Profile {
	p.Extensions = append([]string(nil), p.Extensions...)
	p.Env = append([]string(nil), p.Env...)
	return p
}
