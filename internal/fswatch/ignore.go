package fswatch

import (
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnoreGlobs cover editor metadata, build artifacts, staging
// directories and hidden files that must never be mirrored into the
// document store.
var DefaultIgnoreGlobs = []string{
	"**/.DS_Store",
	"**/thumbs.db",
	"**/desktop.ini",
	"weft.json",
	".weft/**",
	".weft",
	"**/.*",
	"**/.*/**",
	"**/*.tmp",
}

// Ignore matches project-relative slash paths against a set of globs.
type Ignore struct {
	globs []string
}

// NewIgnore builds a matcher from the given globs plus the built-in
// defaults. Invalid globs are dropped.
func NewIgnore(globs ...string) *Ignore {
	ig := &Ignore{}
	for _, g := range append(append([]string{}, DefaultIgnoreGlobs...), globs...) {
		if doublestar.ValidatePattern(g) {
			ig.globs = append(ig.globs, g)
		}
	}
	return ig
}

// Match reports whether the project-relative path rel is ignored.
func (ig *Ignore) Match(rel string) bool {
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	if rel == "." {
		return false
	}
	for _, g := range ig.globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// ParseIgnoreFile parses a .gitignore-style file into globs relative to the
// project root. Comments and blank lines are skipped; a missing file yields
// no globs.
func ParseIgnoreFile(filePath string) []string {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil
	}
	var globs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.SplitN(line, "#", 2)[0])
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "/")
		line = strings.TrimSuffix(line, "/")
		globs = append(globs, line, path.Join(line, "**"))
	}
	return globs
}
