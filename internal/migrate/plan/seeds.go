package plan

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ExpandSeeds resolves each named seed glob against the project root and
// returns the sorted matches as list variables. A seed that matches nothing
// is an error unless it opts into allow_empty.
func ExpandSeeds(projectRoot string, seeds map[string]SeedConfig) (map[string]any, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	fsys := os.DirFS(projectRoot)
	out := make(map[string]any, len(seeds))
	for name, seed := range seeds {
		matches, err := doublestar.Glob(fsys, seed.Glob)
		if err != nil {
			return nil, fmt.Errorf("seed %s: glob %q: %w", name, seed.Glob, err)
		}
		if len(matches) == 0 && !seed.AllowEmpty {
			return nil, fmt.Errorf("seed %s: glob %q matched nothing under %s", name, seed.Glob, projectRoot)
		}
		sort.Strings(matches)
		vals := make([]any, len(matches))
		for i, m := range matches {
			vals[i] = m
		}
		out[name] = vals
	}
	return out, nil
}
