package listing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrDuplicateName is returned when a listing contains the same name twice.
var ErrDuplicateName = errors.New("duplicate file name in listing")

// FileEntry describes one regular file on either side of a sync.
type FileEntry struct {
	Name       string
	ModifiedAt time.Time
	Size       uint64
}

// NewFileEntry builds a FileEntry. The timestamp is normalized to UTC whole
// seconds since SFTP v3 attributes cannot carry anything finer.
func NewFileEntry(name string, modifiedAt time.Time, size uint64) FileEntry {
	return FileEntry{
		Name:       name,
		ModifiedAt: modifiedAt.UTC().Truncate(time.Second),
		Size:       size,
	}
}

// Equal reports whether two entries describe the same file contents.
func (f FileEntry) Equal(other FileEntry) bool {
	return f.Name == other.Name && f.ModifiedAt.Equal(other.ModifiedAt) && f.Size == other.Size
}

// Listing is a set of file entries with unique names, kept sorted by name.
type Listing struct {
	entries []FileEntry
}

// NewListing builds a Listing, rejecting duplicate names.
func NewListing(entries ...FileEntry) (Listing, error) {
	sorted := make([]FileEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.Compare(sorted[i].Name, sorted[j].Name) < 0
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return Listing{}, fmt.Errorf("%w: %s", ErrDuplicateName, sorted[i].Name)
		}
	}

	return Listing{entries: sorted}, nil
}

// MustNewListing is like NewListing but panics on duplicates. Intended for tests and
// literals.
func MustNewListing(entries ...FileEntry) Listing {
	l, err := NewListing(entries...)
	if err != nil {
		panic(err)
	}
	return l
}

// Entries returns the entries sorted by name.
func (l Listing) Entries() []FileEntry {
	out := make([]FileEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l Listing) Len() int {
	return len(l.entries)
}

// Get looks up an entry by exact name.
func (l Listing) Get(name string) (FileEntry, bool) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return strings.Compare(l.entries[i].Name, name) >= 0
	})
	if i < len(l.entries) && l.entries[i].Name == name {
		return l.entries[i], true
	}
	return FileEntry{}, false
}

// Names returns the entry names in sorted order.
func (l Listing) Names() []string {
	names := make([]string, len(l.entries))
	for i, e := range l.entries {
		names[i] = e.Name
	}
	return names
}

// TotalSize returns the sum of all entry sizes.
func (l Listing) TotalSize() uint64 {
	var total uint64
	for _, e := range l.entries {
		total += e.Size
	}
	return total
}
