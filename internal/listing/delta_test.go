package listing

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

var (
	t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	t3 = time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
)

func TestCompute_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		local  Listing
		remote Listing
		want   Delta
	}{
		{
			name: "new, unchanged and delete",
			local: MustNewListing(
				NewFileEntry("a.txt", t1, 10),
				NewFileEntry("b.txt", t2, 20),
			),
			remote: MustNewListing(
				NewFileEntry("b.txt", t2, 20),
				NewFileEntry("c.txt", t3, 5),
			),
			want: Delta{
				{Name: "a.txt", Action: New},
				{Name: "b.txt", Action: Unchanged},
				{Name: "c.txt", Action: Delete},
			},
		},
		{
			name:   "timestamp differs",
			local:  MustNewListing(NewFileEntry("a.dll", t2, 100)),
			remote: MustNewListing(NewFileEntry("a.dll", t1, 90)),
			want:   Delta{{Name: "a.dll", Action: Changed}},
		},
		{
			name:   "size differs only",
			local:  MustNewListing(NewFileEntry("a.dll", t1, 100)),
			remote: MustNewListing(NewFileEntry("a.dll", t1, 90)),
			want:   Delta{{Name: "a.dll", Action: Changed}},
		},
		{
			name:   "empty local deletes everything",
			local:  MustNewListing(),
			remote: MustNewListing(NewFileEntry("x.txt", t1, 1)),
			want:   Delta{{Name: "x.txt", Action: Delete}},
		},
		{
			name:   "empty remote uploads everything",
			local:  MustNewListing(NewFileEntry("x.txt", t1, 1), NewFileEntry("y.txt", t1, 2)),
			remote: MustNewListing(),
			want:   Delta{{Name: "x.txt", Action: New}, {Name: "y.txt", Action: New}},
		},
		{
			name:   "both empty",
			local:  MustNewListing(),
			remote: MustNewListing(),
			want:   Delta{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute(tt.local, tt.remote); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Compute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompute_OrdinalOrder(t *testing.T) {
	// Byte order puts upper case before lower case and "_" between them.
	local := MustNewListing(
		NewFileEntry("b.dll", t1, 1),
		NewFileEntry("B.dll", t1, 1),
		NewFileEntry("_x.dll", t1, 1),
	)
	delta := Compute(local, MustNewListing())

	names := make([]string, len(delta))
	for i, e := range delta {
		names[i] = e.Name
	}
	if want := []string{"B.dll", "_x.dll", "b.dll"}; !reflect.DeepEqual(names, want) {
		t.Errorf("order = %v, want %v", names, want)
	}
}

func TestCompute_SubsecondTimestampsCompareEqual(t *testing.T) {
	local := MustNewListing(NewFileEntry("app.dll", t1.Add(400*time.Millisecond), 42))
	remote := MustNewListing(NewFileEntry("app.dll", t1, 42))

	if got := Compute(local, remote); !reflect.DeepEqual(got, Delta{{Name: "app.dll", Action: Unchanged}}) {
		t.Errorf("Compute() = %v, want app.dll unchanged", got)
	}
}

// randomListing picks entries from a small shared name pool so local and
// remote overlap.
func randomListing(rng *rand.Rand) []FileEntry {
	var entries []FileEntry
	for i := 0; i < 30; i++ {
		if rng.Intn(2) == 0 {
			continue
		}
		entries = append(entries, NewFileEntry(
			fmt.Sprintf("file-%02d.dll", i),
			t1.Add(time.Duration(rng.Intn(3))*time.Hour),
			uint64(rng.Intn(3)),
		))
	}
	return entries
}

func TestCompute_Completeness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 200; round++ {
		localEntries := randomListing(rng)
		remoteEntries := randomListing(rng)
		local := MustNewListing(localEntries...)
		remote := MustNewListing(remoteEntries...)

		delta := Compute(local, remote)

		union := map[string]bool{}
		for _, e := range localEntries {
			union[e.Name] = true
		}
		for _, e := range remoteEntries {
			union[e.Name] = true
		}
		if len(delta) != len(union) {
			t.Fatalf("round %d: %d entries for %d names", round, len(delta), len(union))
		}

		seen := map[string]bool{}
		for _, d := range delta {
			if seen[d.Name] {
				t.Fatalf("round %d: name %s classified twice", round, d.Name)
			}
			seen[d.Name] = true

			l, inLocal := local.Get(d.Name)
			r, inRemote := remote.Get(d.Name)
			var want Action
			switch {
			case inLocal && inRemote && l.Equal(r):
				want = Unchanged
			case inLocal && inRemote:
				want = Changed
			case inLocal:
				want = New
			case inRemote:
				want = Delete
			default:
				t.Fatalf("delta contains unknown name %s", d.Name)
			}
			if d.Action != want {
				t.Errorf("round %d: %s is %s, want %s", round, d.Name, d.Action, want)
			}
		}
	}
}

func TestCompute_Determinism(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		localEntries := randomListing(rng)
		remoteEntries := randomListing(rng)

		want := Compute(MustNewListing(localEntries...), MustNewListing(remoteEntries...))

		rng.Shuffle(len(localEntries), func(i, j int) {
			localEntries[i], localEntries[j] = localEntries[j], localEntries[i]
		})
		rng.Shuffle(len(remoteEntries), func(i, j int) {
			remoteEntries[i], remoteEntries[j] = remoteEntries[j], remoteEntries[i]
		})

		got := Compute(MustNewListing(localEntries...), MustNewListing(remoteEntries...))
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round %d: delta depends on input order", round)
		}
	}
}

func TestDelta_Counts(t *testing.T) {
	d := Delta{
		{Name: "a", Action: New},
		{Name: "b", Action: Unchanged},
		{Name: "c", Action: Changed},
		{Name: "d", Action: Delete},
		{Name: "e", Action: Unchanged},
	}

	if got := d.Count(New); got != 1 {
		t.Errorf("Count(New) = %d, want 1", got)
	}
	if got := d.Count(Unchanged); got != 2 {
		t.Errorf("Count(Unchanged) = %d, want 2", got)
	}
	// Deletes are writes too.
	if got := d.Writes(); got != 3 {
		t.Errorf("Writes() = %d, want 3", got)
	}
}

func TestCaseCollisions(t *testing.T) {
	d := Compute(
		MustNewListing(NewFileEntry("App.dll", t1, 1), NewFileEntry("lib.dll", t1, 1)),
		MustNewListing(NewFileEntry("app.dll", t1, 1)),
	)

	if got := CaseCollisions(d); !reflect.DeepEqual(got, [][]string{{"App.dll", "app.dll"}}) {
		t.Errorf("CaseCollisions() = %v", got)
	}
	if got := CaseCollisions(Delta{{Name: "x"}, {Name: "y"}}); len(got) != 0 {
		t.Errorf("CaseCollisions() = %v, want none", got)
	}
}

func TestAction_String(t *testing.T) {
	tests := []struct {
		action Action
		want   string
	}{
		{New, "new"},
		{Changed, "changed"},
		{Delete, "delete"},
		{Unchanged, "unchanged"},
		{Action(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.action.String(); got != tt.want {
			t.Errorf("Action(%d).String() = %q, want %q", int(tt.action), got, tt.want)
		}
	}
}
