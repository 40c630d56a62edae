package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSuffixAndName(t *testing.T) {
	if got := Name("virtnbdbackup", 3); got != "virtnbdbackup.3" {
		t.Fatalf("got %q", got)
	}
	n, ok := Suffix("virtnbdbackup", "virtnbdbackup.3")
	if !ok || n != 3 {
		t.Fatalf("got (%d, %v)", n, ok)
	}
	if _, ok := Suffix("virtnbdbackup", "user-snap"); ok {
		t.Fatal("expected foreign name to not match")
	}
}

func TestForeign(t *testing.T) {
	got := Foreign("virtnbdbackup", []string{"user-snap", "virtnbdbackup.0", "virtnbdbackup.1"})
	if len(got) != 1 || got[0] != "user-snap" {
		t.Fatalf("got %v", got)
	}
}

func TestLoadChainMissingFileIsEmpty(t *testing.T) {
	chain, err := LoadChain(filepath.Join(t.TempDir(), "missing.cpt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !chain.Empty() {
		t.Fatal("expected empty chain")
	}
}

func TestLoadChainInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cpt")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChain(path); !errors.Is(err, ErrReadCheckpoints) {
		t.Fatalf("expected ErrReadCheckpoints, got %v", err)
	}
}

func TestChainAppendPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dom.cpt")
	chain := &Chain{Path: path}

	if err := chain.Append("virtnbdbackup.0"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reloaded, err := LoadChain(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Last() != "virtnbdbackup.0" {
		t.Fatalf("got %q", reloaded.Last())
	}
}

func TestChainTruncateDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dom.cpt")
	chain := &Chain{Path: path}
	chain.Append("virtnbdbackup.0")

	if err := chain.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected chain file removed")
	}

	// Truncating an already-absent file is not an error (§9).
	if err := chain.Truncate(); err != nil {
		t.Fatalf("second Truncate: %v", err)
	}
}

func TestResolveCopyLeavesChainUntouched(t *testing.T) {
	chain := &Chain{}
	chain.Names = []string{"virtnbdbackup.0", "virtnbdbackup.1"}

	d, err := Resolve(ModeCopy, "virtnbdbackup", chain)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Extend {
		t.Fatal("copy must never extend the chain")
	}
	if len(chain.Names) != 2 {
		t.Fatal("copy must not mutate the chain")
	}
}

func TestResolveFullEmptyChain(t *testing.T) {
	d, err := Resolve(ModeFull, "virtnbdbackup", &Chain{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "virtnbdbackup.0" || d.Parent != "" || !d.Extend || d.Truncate {
		t.Fatalf("got %+v", d)
	}
}

func TestResolveFullNonEmptyChainTruncates(t *testing.T) {
	chain := &Chain{Names: []string{"virtnbdbackup.0", "virtnbdbackup.1"}}
	d, err := Resolve(ModeFull, "virtnbdbackup", chain)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "virtnbdbackup.0" || !d.Truncate {
		t.Fatalf("got %+v", d)
	}
}

func TestResolveIncEmptyChainErrors(t *testing.T) {
	_, err := Resolve(ModeInc, "virtnbdbackup", &Chain{})
	if !errors.Is(err, ErrNoCheckpointsFound) {
		t.Fatalf("got %v", err)
	}
}

func TestResolveIncAdvancesChain(t *testing.T) {
	chain := &Chain{Names: []string{"virtnbdbackup.0", "virtnbdbackup.4"}}
	d, err := Resolve(ModeInc, "virtnbdbackup", chain)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "virtnbdbackup.5" || d.Parent != "virtnbdbackup.4" || !d.Extend {
		t.Fatalf("got %+v", d)
	}
}

func TestResolveDiffDoesNotExtend(t *testing.T) {
	chain := &Chain{Names: []string{"virtnbdbackup.0", "virtnbdbackup.1"}}
	d, err := Resolve(ModeDiff, "virtnbdbackup", chain)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "virtnbdbackup.1" || d.Parent != "virtnbdbackup.1" || d.Extend {
		t.Fatalf("got %+v", d)
	}
}

func TestResolveDiffEmptyChainErrors(t *testing.T) {
	_, err := Resolve(ModeDiff, "virtnbdbackup", &Chain{})
	if !errors.Is(err, ErrNoCheckpointsFound) {
		t.Fatalf("got %v", err)
	}
}

func TestResolveAutoResolvesFullThenInc(t *testing.T) {
	chain := &Chain{}
	d, err := Resolve(ModeAuto, "virtnbdbackup", chain)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "virtnbdbackup.0" {
		t.Fatalf("expected auto->full, got %+v", d)
	}

	chain.Names = []string{"virtnbdbackup.0"}
	d, err = Resolve(ModeAuto, "virtnbdbackup", chain)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "virtnbdbackup.1" {
		t.Fatalf("expected auto->inc, got %+v", d)
	}
}

func TestChainMonotonicity(t *testing.T) {
	chain := &Chain{}
	var last int64 = -1
	for i := 0; i < 5; i++ {
		d, err := Resolve(ModeAuto, "virtnbdbackup", chain)
		if err != nil {
			t.Fatal(err)
		}
		n, ok := Suffix("virtnbdbackup", d.Name)
		if !ok || n <= last {
			t.Fatalf("suffix %d did not increase past %d", n, last)
		}
		last = n
		chain.Names = append(chain.Names, d.Name)
	}
}
