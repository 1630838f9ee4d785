// Package seeddir loads the immutable seed cluster directory each node
// reads at startup: an ordered list of (host, port) pairs, one per line,
// separated by ':' or ',', with '#' comments and blank lines ignored.
package seeddir

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gossipmesh/internal/identity"
)

// Directory is the fixed seed cluster for the lifetime of the process.
type Directory struct {
	seeds []identity.ID
}

// Load parses r into a Directory. Parse errors are fatal per the base
// spec's "fail startup with a diagnostic" rule — callers should treat a
// non-nil error as a reason to exit with status 1.
func Load(r io.Reader) (*Directory, error) {
	scanner := bufio.NewScanner(r)
	var seeds []identity.ID
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := identity.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("seeddir: line %d: %w", lineNo, err)
		}
		seeds = append(seeds, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("seeddir: %w", err)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("seeddir: no seeds found")
	}
	return &Directory{seeds: seeds}, nil
}

// Seeds returns the ordered seed list. Callers must not mutate it.
func (d *Directory) Seeds() []identity.ID {
	return d.seeds
}

// Count returns n_seeds.
func (d *Directory) Count() int {
	return len(d.seeds)
}

// Quorum returns floor(n_seeds/2)+1, computed once and fixed for the
// process lifetime.
func (d *Directory) Quorum() int {
	return d.Count()/2 + 1
}

// Contains reports whether id appears in the seed directory, used by a
// node to self-identify as a seed or a peer at startup.
func (d *Directory) Contains(id identity.ID) bool {
	for _, s := range d.seeds {
		if s.Equal(id) {
			return true
		}
	}
	return false
}

// Others returns every seed except self, in directory order.
func (d *Directory) Others(self identity.ID) []identity.ID {
	out := make([]identity.ID, 0, len(d.seeds)-1)
	for _, s := range d.seeds {
		if !s.Equal(self) {
			out = append(out, s)
		}
	}
	return out
}
