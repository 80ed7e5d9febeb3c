// Package workspace materializes submitted source files into an ephemeral
// directory that is bind-mounted into every sandbox of one execution.
package workspace

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/xid"

	"github.com/sakif/sandbox-executor/internal/apperror"
	"github.com/sakif/sandbox-executor/internal/language"
)

// Workspace is the on-disk tree owned by exactly one execution.
type Workspace struct {
	// Root is the host directory holding the files.
	Root string
	// Entry is the entry file, relative to Root, with forward slashes.
	Entry string
	// Language is the profile chosen after extension sniffing. It may differ
	// from the language the caller asked for.
	Language language.Profile
}

// Remove deletes the workspace tree. It is safe to call more than once.
func (w *Workspace) Remove() error {
	if w == nil || w.Root == "" {
		return nil
	}
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("workspace: removing %s: %w", w.Root, err)
	}
	return nil
}

// Materializer creates workspaces under BaseDir.
type Materializer struct {
	// BaseDir is the parent of every workspace. Empty means os.TempDir().
	// When the Docker daemon runs on another host, it must be a path the
	// daemon can bind-mount.
	BaseDir  string
	Registry *language.Registry
}

// NewMaterializer creates a Materializer writing under baseDir.
func NewMaterializer(baseDir string, registry *language.Registry) *Materializer {
	return &Materializer{BaseDir: baseDir, Registry: registry}
}

// Materialize writes files into a fresh directory and resolves the entry file.
// On error nothing is left on disk.
func (m *Materializer) Materialize(files map[string]string, requested language.Profile) (ws *Workspace, err error) {
	if len(files) == 0 {
		return nil, apperror.EmptyWorkspace()
	}

	contents := make(map[string]string, len(files))
	for p, content := range files {
		clean, err := cleanPath(p)
		if err != nil {
			return nil, err
		}
		if _, dup := contents[clean]; dup {
			return nil, apperror.ValidationFailed("files", fmt.Sprintf("file path %q is given more than once", clean))
		}
		contents[clean] = content
	}

	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if m.BaseDir != "" {
		if err := os.MkdirAll(m.BaseDir, 0o755); err != nil {
			return nil, apperror.Infra("creating workspace base directory", err)
		}
	}
	root, err := os.MkdirTemp(m.BaseDir, "exec-"+xid.New().String()+"-")
	if err != nil {
		return nil, apperror.Infra("creating workspace", err)
	}
	ws = &Workspace{Root: root}
	defer func() {
		if err != nil {
			_ = ws.Remove()
			ws = nil
		}
	}()

	// MkdirTemp creates 0700; the sandbox user is not the owner.
	if err := os.Chmod(root, 0o777); err != nil {
		return nil, apperror.Infra("opening workspace permissions", err)
	}

	for _, p := range paths {
		if err := writeFile(root, p, contents[p]); err != nil {
			return nil, err
		}
	}

	ws.Entry, ws.Language = m.resolveEntry(paths, requested)
	return ws, nil
}

func writeFile(root, rel, content string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))

	// Parent directories must be writable by the sandbox user so compilers
	// can drop artifacts next to the sources.
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return apperror.Infra("creating workspace directory", err)
	}
	for d := dir; d != root && strings.HasPrefix(d, root); d = filepath.Dir(d) {
		if err := os.Chmod(d, 0o777); err != nil {
			return apperror.Infra("opening workspace permissions", err)
		}
	}

	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return apperror.Infra(fmt.Sprintf("writing %s", rel), err)
	}
	return nil
}

// cleanPath rejects anything that is not a plain relative path inside the
// workspace.
func cleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", apperror.ValidationFailed("files", "file path must not be empty")
	}
	if strings.ContainsRune(p, '\\') || strings.ContainsRune(p, 0) {
		return "", apperror.ValidationFailed("files", fmt.Sprintf("file path %q contains forbidden characters", p))
	}
	if path.IsAbs(p) {
		return "", apperror.ValidationFailed("files", fmt.Sprintf("file path %q must be relative", p))
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apperror.ValidationFailed("files", fmt.Sprintf("file path %q escapes the workspace", p))
	}
	return clean, nil
}
