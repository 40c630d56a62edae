package restore

import (
	"encoding/json"
	"fmt"

	"github.com/asch/virtnbdbackup/internal/imagecreator"
)

// qcowSidecar mirrors the subset of `qemu-img info --output=json` keys
// honored on restore (§6): format-specific.data.compat, cluster-size,
// format-specific.data.lazy-refcounts. Absent keys fall back silently
// to the image creator's own defaults.
type qcowSidecar struct {
	ClusterSize    *int64 `json:"cluster-size"`
	FormatSpecific *struct {
		Data *struct {
			Compat        *string `json:"compat"`
			LazyRefcounts *bool   `json:"lazy-refcounts"`
		} `json:"data"`
	} `json:"format-specific"`
}

// parseQcowSidecar decodes a verbatim qemu-img info JSON blob into
// ImageCreator's QcowOptions.
func parseQcowSidecar(buf []byte) (imagecreator.QcowOptions, error) {
	var s qcowSidecar
	if err := json.Unmarshal(buf, &s); err != nil {
		return imagecreator.QcowOptions{}, fmt.Errorf("restore: parsing qcow sidecar: %w", err)
	}

	opt := imagecreator.QcowOptions{ClusterSize: s.ClusterSize}
	if s.FormatSpecific != nil && s.FormatSpecific.Data != nil {
		opt.Compat = s.FormatSpecific.Data.Compat
		opt.LazyRefcounts = s.FormatSpecific.Data.LazyRefcounts
	}
	return opt, nil
}
