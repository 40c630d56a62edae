// Package checkpoint implements the checkpoint chain manager (4.F):
// name assignment, persistence of the ordered chain file, foreign
// checkpoint detection and the per-mode resolution table.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Mode is one of the backup modes from the data model (§3 BackupMode).
type Mode int

const (
	ModeCopy Mode = iota
	ModeFull
	ModeInc
	ModeDiff
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeFull:
		return "full"
	case ModeInc:
		return "inc"
	case ModeDiff:
		return "diff"
	case ModeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Error kinds for the CheckpointError family (§7). All are fatal to the
// run.
var (
	ErrForeign              = errors.New("checkpoint: foreign checkpoint present")
	ErrReadCheckpoints       = errors.New("checkpoint: failed reading chain file")
	ErrRedefineCheckpoint    = errors.New("checkpoint: failed redefining checkpoints at hypervisor")
	ErrRemoveCheckpoint      = errors.New("checkpoint: failed removing checkpoints at hypervisor")
	ErrNoCheckpointsFound    = errors.New("checkpoint: no checkpoints found")
	ErrSaveCheckpoint        = errors.New("checkpoint: failed saving chain file")
)

// Decision is the result of resolving a mode against a chain: the name to
// use for this run and its parent (empty for a full/copy-from-scratch
// backup).
type Decision struct {
	Name   string
	Parent string
	// Extend is true when this run's checkpoint must be appended to the
	// persisted chain after the hypervisor confirms startBackup (I4).
	Extend bool
	// Truncate is true when the chain (and hypervisor-side checkpoints)
	// must be dropped before this run's checkpoint replaces it (full).
	Truncate bool
}

func namePattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `\.(\d+)$`)
}

// Suffix extracts the numeric suffix n from "<prefix>.<n>"; ok is false
// if name does not match the prefix pattern (i.e. it is foreign).
func Suffix(prefix, name string) (n int64, ok bool) {
	m := namePattern(prefix).FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Name formats a checkpoint name for suffix n.
func Name(prefix string, n int64) string {
	return fmt.Sprintf("%s.%d", prefix, n)
}

// Foreign returns the subset of hypervisorCheckpoints that do not match
// "<prefix>.<n>".
func Foreign(prefix string, hypervisorCheckpoints []string) []string {
	var foreign []string
	for _, c := range hypervisorCheckpoints {
		if _, ok := Suffix(prefix, c); !ok {
			foreign = append(foreign, c)
		}
	}
	return foreign
}

// Chain is the ordered, JSON-persisted sequence of checkpoint names
// stored in "<domain>.cpt" (I1, I2, I3).
type Chain struct {
	Path   string
	Names  []string
}

// LoadChain reads the chain file. A missing file is not an error: it is
// treated as an empty chain (§6, §9 "absent ⇒ empty chain").
func LoadChain(path string) (*Chain, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Chain{Path: path}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrReadCheckpoints, err)
	}

	var names []string
	if err := json.Unmarshal(buf, &names); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadCheckpoints, err)
	}

	return &Chain{Path: path, Names: names}, nil
}

// Last returns the last entry, or "" if the chain is empty (I2).
func (c *Chain) Last() string {
	if len(c.Names) == 0 {
		return ""
	}
	return c.Names[len(c.Names)-1]
}

// Empty reports whether the chain has no entries.
func (c *Chain) Empty() bool { return len(c.Names) == 0 }

// MaxSuffix returns the highest numeric suffix among the chain's names
// for prefix, or -1 if none match.
func (c *Chain) MaxSuffix(prefix string) int64 {
	max := int64(-1)
	for _, n := range c.Names {
		if v, ok := Suffix(prefix, n); ok && v > max {
			max = v
		}
	}
	return max
}

// Append adds name to the chain and persists it. Per §4.F persistence
// rule, callers must only invoke this after the hypervisor confirmed
// startBackup for inc/full modes; diff and copy never append (I4).
func (c *Chain) Append(name string) error {
	c.Names = append(c.Names, name)
	return c.save()
}

// Truncate drops all entries and deletes the chain file. A missing file
// is not an error (§9 "absent ⇒ empty chain" preserved on delete too).
func (c *Chain) Truncate() error {
	c.Names = nil
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrSaveCheckpoint, err)
	}
	return nil
}

func (c *Chain) save() error {
	buf, err := json.Marshal(c.Names)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSaveCheckpoint, err)
	}
	if err := os.WriteFile(c.Path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveCheckpoint, err)
	}
	return nil
}

// Resolve implements the §4.F table: given the requested mode, the
// checkpoint prefix and the current chain, it decides the
// checkpoint name/parent for this run without mutating anything. The
// caller (orchestrator) is responsible for calling Append/Truncate at the
// correct point in the hypervisor interaction.
func Resolve(mode Mode, prefix string, chain *Chain) (Decision, error) {
	if mode == ModeAuto {
		if chain.Empty() {
			mode = ModeFull
		} else {
			mode = ModeInc
		}
	}

	switch mode {
	case ModeCopy:
		return Decision{Name: "n/a", Parent: ""}, nil

	case ModeFull:
		next := Name(prefix, 0)
		return Decision{Name: next, Parent: "", Extend: true, Truncate: !chain.Empty()}, nil

	case ModeInc:
		if chain.Empty() {
			return Decision{}, ErrNoCheckpointsFound
		}
		max := chain.MaxSuffix(prefix)
		next := Name(prefix, max+1)
		return Decision{Name: next, Parent: chain.Last(), Extend: true}, nil

	case ModeDiff:
		if chain.Empty() {
			return Decision{}, ErrNoCheckpointsFound
		}
		last := chain.Last()
		return Decision{Name: last, Parent: last, Extend: false}, nil

	default:
		return Decision{}, fmt.Errorf("checkpoint: unknown mode %v", mode)
	}
}

// ParseName validates that name matches "<prefix>.<n>" with n >= 0.
func ParseName(prefix, name string) error {
	if _, ok := Suffix(prefix, name); !ok {
		return fmt.Errorf("checkpoint: %q does not match pattern %q", name, prefix+".<n>")
	}
	return nil
}

// HasPrefix reports whether name starts with "<prefix>.", without the
// regexp that ParseName compiles. It does not check the numeric suffix.
func HasPrefix(prefix, name string) bool {
	return strings.HasPrefix(name, prefix+".")
}
