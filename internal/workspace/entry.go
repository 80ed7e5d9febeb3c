package workspace

import (
	"path"
	"strings"

	"github.com/sakif/sandbox-executor/internal/language"
)

// resolveEntry picks the entry file and the effective language. paths must
// be sorted so that the same file set always resolves the same way.
//
// Order:
//  1. a file with an extension of the requested language
//  2. a file with any known extension; its language replaces the requested one
//  3. the requested profile's default entry file name
//  4. the first path
//
// Within steps 1 and 2 a file named like the profile's default entry file
// (main.py, Main.java, ...) is preferred over the lexicographically first one.
func (m *Materializer) resolveEntry(paths []string, requested language.Profile) (string, language.Profile) {
	if entry, ok := pickForLanguage(paths, requested); ok {
		return entry, requested
	}

	if m.Registry != nil {
		for _, p := range paths {
			sniffed, ok := m.Registry.ByExtension(p)
			if !ok {
				continue
			}
			entry, _ := pickForLanguage(paths, sniffed)
			return entry, sniffed
		}
	}

	for _, p := range paths {
		if path.Base(p) == requested.EntryFile {
			return p, requested
		}
	}

	return paths[0], requested
}

// pickForLanguage returns the preferred file among those carrying one of the
// profile's extensions.
func pickForLanguage(paths []string, profile language.Profile) (string, bool) {
	var first string
	for _, p := range paths {
		if !hasExtension(p, profile.Extensions) {
			continue
		}
		if path.Base(p) == profile.EntryFile {
			return p, true
		}
		if first == "" {
			first = p
		}
	}
	return first, first != ""
}

func hasExtension(name string, extensions []string) bool {
	ext := path.Ext(name)
	for _, e := range extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
