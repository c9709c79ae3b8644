package listing

import (
	"sort"
	"strings"
)

// Action is what a sync must do with one file name.
type Action int

const (
	Unchanged Action = iota
	New
	Changed
	Delete
)

func (a Action) String() string {
	switch a {
	case Unchanged:
		return "unchanged"
	case New:
		return "new"
	case Changed:
		return "changed"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// NeedsWrite reports whether the action touches the remote side.
func (a Action) NeedsWrite() bool {
	return a != Unchanged
}

// DeltaEntry is the resolved action for a single name.
type DeltaEntry struct {
	Name   string
	Action Action
}

// Delta is the full set of per-name actions, sorted by name.
type Delta []DeltaEntry

// Compute merges the local and remote listings into a delta with exactly one
// entry per name found on either side. Both listings are already sorted by
// byte order, so a single linear pass resolves every name.
func Compute(local, remote Listing) Delta {
	l, r := local.entries, remote.entries
	delta := make(Delta, 0, len(l)+len(r))

	i, j := 0, 0
	for i < len(l) || j < len(r) {
		switch {
		case j >= len(r):
			delta = append(delta, DeltaEntry{Name: l[i].Name, Action: New})
			i++
		case i >= len(l):
			delta = append(delta, DeltaEntry{Name: r[j].Name, Action: Delete})
			j++
		default:
			switch c := strings.Compare(l[i].Name, r[j].Name); {
			case c < 0:
				delta = append(delta, DeltaEntry{Name: l[i].Name, Action: New})
				i++
			case c > 0:
				delta = append(delta, DeltaEntry{Name: r[j].Name, Action: Delete})
				j++
			default:
				action := Unchanged
				if !l[i].Equal(r[j]) {
					action = Changed
				}
				delta = append(delta, DeltaEntry{Name: l[i].Name, Action: action})
				i++
				j++
			}
		}
	}

	return delta
}

// Count returns how many entries carry the given action.
func (d Delta) Count(action Action) int {
	n := 0
	for _, e := range d {
		if e.Action == action {
			n++
		}
	}
	return n
}

// Writes returns the number of entries that need a remote write.
func (d Delta) Writes() int {
	return len(d) - d.Count(Unchanged)
}

// CaseCollisions returns groups of names that differ only by letter case.
// Names are always compared exactly; the groups exist so callers can warn
// about files that would clash on a case-insensitive filesystem.
func CaseCollisions(d Delta) [][]string {
	groups := make(map[string][]string)
	for _, e := range d {
		key := strings.ToLower(e.Name)
		groups[key] = append(groups[key], e.Name)
	}

	var out [][]string
	for _, names := range groups {
		if len(names) > 1 {
			out = append(out, names)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i][0], out[j][0]) < 0
	})
	return out
}
