package restore

import "strings"

// streamFile is one parsed entry from the naming grammar (§4.D, §6):
// "<disk>.full.data", "<disk>.copy.data", "<disk>.inc.<checkpoint>.data"
// or "<disk>.diff.<epoch>.data". Disk targets (vda, sda, ...) never
// contain dots, so the disk name is the text before the first dot and
// the kind is the text up to the next dot.
type streamFile struct {
	Name  string
	Disk  string
	Kind  string // full, copy, inc, diff
	Extra string // checkpoint name (inc) or epoch seconds (diff)
}

func parseStreamFileName(name string) (streamFile, bool) {
	trimmed := strings.TrimSuffix(name, ".data")
	if trimmed == name {
		return streamFile{}, false
	}

	dot := strings.Index(trimmed, ".")
	if dot < 0 {
		return streamFile{}, false
	}
	disk := trimmed[:dot]
	rest := trimmed[dot+1:]

	kind := rest
	extra := ""
	if dot2 := strings.Index(rest, "."); dot2 >= 0 {
		kind = rest[:dot2]
		extra = rest[dot2+1:]
	}

	switch kind {
	case "full", "copy", "inc", "diff":
		return streamFile{Name: name, Disk: disk, Kind: kind, Extra: extra}, true
	default:
		return streamFile{}, false
	}
}

// isQcowSidecar recognizes the "<disk>.<ident>.qcow.json" auxiliary
// file from §6.
func isQcowSidecar(name, diskTarget string) bool {
	return strings.HasPrefix(name, diskTarget+".") && strings.HasSuffix(name, ".qcow.json")
}

// IsDomainConfig recognizes a saved "vmconfig.<ident>.xml" domain
// configuration file, exported for the restore CLI's --define path.
func IsDomainConfig(name string) bool {
	return strings.HasPrefix(name, "vmconfig.") && strings.HasSuffix(name, ".xml")
}
