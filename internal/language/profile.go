// Package language holds the static table describing how each supported
// language is built and run inside a sandbox.
//
// A profile is pure data: the image, the conventional entry file, the
// extensions that identify the language, and two command templates. Adding
// a language means adding one Profile to the builtin table.
package language

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/shlex"
)

// WorkspaceDir is where the workspace is mounted inside every sandbox.
// Command templates are rendered relative to it.
const WorkspaceDir = "/workspace"

// Profile describes how to build and run one language.
type Profile struct {
	ID         string
	Name       string
	Image      string
	EntryFile  string   // default entry file name, e.g. "main.py"
	Extensions []string // lower-case, with leading dot

	// BuildCmd is empty for interpreted languages.
	BuildCmd string
	RunCmd   string

	// Network access is granted per step. A step without the flag runs with
	// networking disabled.
	BuildNetwork bool
	RunNetwork   bool

	Env []string
}

// Compiled reports whether the profile has a separate build step.
func (p Profile) Compiled() bool {
	return strings.TrimSpace(p.BuildCmd) != ""
}

// BuildCommand renders the build template for the given entry file.
func (p Profile) BuildCommand(entry string) ([]string, error) {
	if !p.Compiled() {
		return nil, nil
	}
	return render(p.BuildCmd, entry)
}

// RunCommand renders the run template for the given entry file.
func (p Profile) RunCommand(entry string) ([]string, error) {
	return render(p.RunCmd, entry)
}

// Placeholders understood by command templates. All values are relative to
// WorkspaceDir and use forward slashes.
//
//	{entry}       src/Main.java
//	{entry_dir}   src
//	{entry_stem}  src/Main
//	{class}       Main
func render(tpl, entry string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, fmt.Errorf("language: command template is empty")
	}

	entry = path.Clean(entry)
	ext := path.Ext(entry)
	dir := path.Dir(entry)
	stem := strings.TrimSuffix(entry, ext)
	class := strings.TrimSuffix(path.Base(entry), ext)

	expanded := strings.NewReplacer(
		"{entry_stem}", quote(stem),
		"{entry_dir}", quote(dir),
		"{entry}", quote(entry),
		"{class}", quote(class),
	).Replace(tpl)

	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("language: parsing command %q: %w", expanded, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("language: command is empty after expansion")
	}
	return fields, nil
}

// quote leaves plain paths untouched and single-quotes anything shlex or a
// shell would otherwise split or interpret.
func quote(s string) string {
	if s != "" && strings.IndexFunc(s, unsafeRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("._-/+", r):
		return false
	}
	return true
}
