package restore

import (
	"fmt"
	"sort"

	"github.com/asch/virtnbdbackup/internal/stream"
)

// DumpMetadata implements §4.E "Dump mode": the metadata of every
// stream file in the input, optionally filtered to one disk, newest
// first. No writes are performed.
func DumpMetadata(cfg Config, diskFilter string) ([]stream.StreamMetadata, error) {
	names, err := cfg.Sink.List("")
	if err != nil {
		return nil, fmt.Errorf("%w: listing input: %v", ErrRestore, err)
	}

	var out []stream.StreamMetadata
	for _, n := range names {
		sf, ok := parseStreamFileName(n)
		if !ok {
			continue
		}
		if diskFilter != "" && sf.Disk != diskFilter {
			continue
		}

		meta, err := readMetaOnly(cfg.Sink, n)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrRestore, n, err)
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })

	return out, nil
}
