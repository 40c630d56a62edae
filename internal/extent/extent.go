// Package extent implements the extent query component (4.C): two
// interchangeable implementations of ExtentHandler behind one interface,
// so the backup engine never needs to know whether regions came from an
// NBD metadata context or a shelled-out inspection tool.
package extent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"

	"github.com/asch/virtnbdbackup/internal/nbdtransport"
)

// Extent is the data model's {offset, length, data} triple. The union of
// all extents returned by Handler.QueryBlockStatus covers [0, diskSize)
// with no gaps or overlaps (merged, so no two adjacent extents share the
// same Data flag).
type Extent struct {
	Offset uint64
	Length uint64
	Data   bool
}

// Handler enumerates allocated or dirty regions of one disk.
// QueryBlockStatus may return (nil, nil): callers treat that as success
// with no data.
type Handler interface {
	QueryBlockStatus() ([]Extent, error)
}

// NBDHandler queries block_status over a transport's negotiated metadata
// context.
type NBDHandler struct {
	Client   nbdtransport.Client
	DiskSize uint64

	// QueryChunk bounds each block_status call; large disks are walked in
	// this many bytes at a time. Defaults to 2GiB when zero.
	QueryChunk uint64
}

const defaultQueryChunk = 2 << 30

// QueryBlockStatus walks the whole disk in QueryChunk-sized windows,
// merges the results so no two adjacent extents share the same Data
// flag, and returns a sequence covering [0, diskSize).
func (h *NBDHandler) QueryBlockStatus() ([]Extent, error) {
	chunk := h.QueryChunk
	if chunk == 0 {
		chunk = defaultQueryChunk
	}

	var all []Extent
	for offset := uint64(0); offset < h.DiskSize; {
		length := chunk
		if offset+length > h.DiskSize {
			length = h.DiskSize - offset
		}

		got, err := h.Client.BlockStatus(offset, length)
		if err != nil {
			return nil, fmt.Errorf("extent: nbd block-status: %w", err)
		}

		for _, e := range got {
			all = append(all, Extent{Offset: e.Offset, Length: e.Length, Data: e.Data})
		}

		offset += length
	}

	return Merge(all, h.DiskSize), nil
}

// Merge sorts extents by offset, coalesces contiguous extents sharing
// the same Data flag, and appends a trailing hole when the last extent
// ends before diskSize. Gaps before or between input extents are not
// filled, so the result covers [0, diskSize) only when the input is
// contiguous from offset 0.
func Merge(extents []Extent, diskSize uint64) []Extent {
	if len(extents) == 0 {
		if diskSize == 0 {
			return nil
		}
		return []Extent{{Offset: 0, Length: diskSize, Data: false}}
	}

	sort.Slice(extents, func(i, j int) bool { return extents[i].Offset < extents[j].Offset })

	merged := make([]Extent, 0, len(extents))
	cur := extents[0]
	for _, e := range extents[1:] {
		if e.Data == cur.Data && e.Offset == cur.Offset+cur.Length {
			cur.Length += e.Length
			continue
		}
		merged = append(merged, cur)
		cur = e
	}
	merged = append(merged, cur)

	if last := merged[len(merged)-1]; last.Offset+last.Length < diskSize {
		merged = append(merged, Extent{Offset: last.Offset + last.Length, Length: diskSize - last.Offset - last.Length, Data: false})
	}

	return merged
}

// ToolHandler is the fallback implementation: it shells out to
// `qemu-img map --output=json` against a local path.
type ToolHandler struct {
	ImagePath string
	// Exec runs the configured command and returns its stdout; overridable
	// in tests. Defaults to os/exec.
	Exec func(name string, args ...string) ([]byte, error)
}

func defaultExec(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %v: %w: %s", name, args, err, out.String())
	}
	return out.Bytes(), nil
}

type qemuImgMapEntry struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	Data   bool   `json:"data"`
	Zero   bool   `json:"zero"`
}

// QueryBlockStatus runs `qemu-img map --output=json` and translates its
// entries into merged Extents.
func (h *ToolHandler) QueryBlockStatus() ([]Extent, error) {
	run := h.Exec
	if run == nil {
		run = defaultExec
	}

	out, err := run("qemu-img", "map", "--output=json", h.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("extent: qemu-img map: %w", err)
	}

	var entries []qemuImgMapEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("extent: parsing qemu-img map output: %w", err)
	}

	var diskSize uint64
	extents := make([]Extent, 0, len(entries))
	for _, e := range entries {
		extents = append(extents, Extent{Offset: e.Start, Length: e.Length, Data: e.Data && !e.Zero})
		if e.Start+e.Length > diskSize {
			diskSize = e.Start + e.Length
		}
	}

	return Merge(extents, diskSize), nil
}

// MetaContextName derives the NBD metadata context used for an
// incremental/differential backup per §4.C: offline uses the checkpoint
// name itself, online uses a fixed prefix keyed by disk target.
func MetaContextName(checkpointName, diskTarget string, offline bool) string {
	name := checkpointName
	if !offline {
		name = "backup-" + diskTarget
	}
	return "qemu:dirty-bitmap:" + name
}
