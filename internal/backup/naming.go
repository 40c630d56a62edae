package backup

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/asch/virtnbdbackup/internal/checkpoint"
)

// streamFileName implements the §4.D file-naming grammar for the final
// (post-rename) member name of one disk's stream file.
func streamFileName(diskTarget string, mode checkpoint.Mode, decision checkpoint.Decision, now time.Time) string {
	switch mode {
	case checkpoint.ModeInc:
		return fmt.Sprintf("%s.inc.%s.data", diskTarget, decision.Name)
	case checkpoint.ModeDiff:
		return fmt.Sprintf("%s.diff.%d.data", diskTarget, now.Unix())
	default: // full, copy
		return fmt.Sprintf("%s.%s.data", diskTarget, mode.String())
	}
}

// IdentFor and QcowSidecarName implement the auxiliary naming from
// §4.D/§6: the run's checkpoint name as ident (a diff run reuses its
// parent's name), falling back to a random identifier when the
// checkpoint decision carries none (copy mode).
func IdentFor(decision checkpoint.Decision) string {
	if decision.Name == "" || decision.Name == "n/a" {
		return uuid.New().String()
	}
	return decision.Name
}

func QcowSidecarName(diskTarget string, decision checkpoint.Decision) string {
	return fmt.Sprintf("%s.%s.qcow.json", diskTarget, IdentFor(decision))
}
