package seqio

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Group is one input collection: a FastA file and the label its records carry.
type Group struct {
	// Label prefixes every job title built from this group (e.g. "OG0001234").
	Label string

	// Path is the FastA file holding the group's sequences.
	Path string
}

// ErrNoGroups indicates that a group list or pattern set matched nothing.
var ErrNoGroups = errors.New("no input groups")

// LabelFromPath derives a group label from a file path: the base name up to
// the first '.', so "ogs/OG0001234.fa" becomes "OG0001234".
func LabelFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// ReadGroupList reads a group list file.
//
// Each non-blank line that does not start with '#' is a path to a FastA file,
// absolute or relative to the working directory. Lines may also be glob
// patterns ("ogs/**/*.fa"); matches are expanded in lexical order.
func ReadGroupList(path string) ([]Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open group list: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read group list: %w", err)
	}

	return ExpandGroups(entries)
}

// ExpandGroups turns paths and glob patterns into Groups.
//
// Plain paths are kept even if they do not exist yet so the error surfaces
// when the stream opens them; patterns that match nothing are an error.
// Duplicate files are listed once, in first-seen order.
func ExpandGroups(entries []string) ([]Group, error) {
	seen := make(map[string]bool)
	var groups []Group

	add := func(p string) {
		clean := filepath.Clean(p)
		if seen[clean] {
			return
		}
		seen[clean] = true
		groups = append(groups, Group{Label: LabelFromPath(clean), Path: clean})
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !hasMeta(entry) {
			add(entry)
			continue
		}
		if !doublestar.ValidatePattern(filepath.ToSlash(entry)) {
			return nil, fmt.Errorf("invalid group pattern: %s", entry)
		}
		matches, err := doublestar.FilepathGlob(entry, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand group pattern %s: %w", entry, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: pattern %s matched no files", ErrNoGroups, entry)
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}

	if len(groups) == 0 {
		return nil, ErrNoGroups
	}
	return groups, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
