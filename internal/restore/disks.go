package restore

import "sort"

// DiscoverDisks lists the distinct disk targets present in the input,
// sorted, so a restore run can default to "every disk found" when the
// caller did not name one explicitly.
func DiscoverDisks(cfg Config) ([]string, error) {
	names, err := cfg.Sink.List("")
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var disks []string
	for _, n := range names {
		sf, ok := parseStreamFileName(n)
		if !ok {
			continue
		}
		if !seen[sf.Disk] {
			seen[sf.Disk] = true
			disks = append(disks, sf.Disk)
		}
	}
	sort.Strings(disks)
	return disks, nil
}
