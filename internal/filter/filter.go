// Package filter narrows the discovered project list with include and
// exclude glob patterns.
package filter

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter applies include/exclude glob patterns to project IDs. An empty
// include list admits every project; excludes always win.
type Filter struct {
	include []string
	exclude []string
}

// New validates the patterns and builds a filter.
func New(include, exclude []string) (*Filter, error) {
	for _, pat := range include {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid include pattern %q", pat)
		}
	}
	for _, pat := range exclude {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pat)
		}
	}
	return &Filter{include: include, exclude: exclude}, nil
}

// Apply returns the projects admitted by the filter, sorted and
// deduplicated. Applying the result again yields the same list.
func (f *Filter) Apply(projects []string) []string {
	seen := make(map[string]struct{}, len(projects))
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if f.admits(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Filter) admits(project string) bool {
	for _, pat := range f.exclude {
		if ok, _ := doublestar.Match(pat, project); ok {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pat := range f.include {
		if ok, _ := doublestar.Match(pat, project); ok {
			return true
		}
	}
	return false
}
