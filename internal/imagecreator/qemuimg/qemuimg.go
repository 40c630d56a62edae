// Package qemuimg is a minimal ImageCreator adapter that shells out to
// `qemu-img create`.
package qemuimg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/asch/virtnbdbackup/internal/imagecreator"
)

// Creator shells out to the qemu-img binary found on PATH.
type Creator struct {
	Bin string
}

func (c *Creator) bin() string {
	if c.Bin == "" {
		return "qemu-img"
	}
	return c.Bin
}

// Info runs `qemu-img info --output=json` against path and returns the
// raw JSON, used as the qcow sidecar payload (§6).
func (c *Creator) Info(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin(), "info", "--output=json", path)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("imagecreator: qemu-img info: %w: %s", err, errOut.String())
	}
	return out.Bytes(), nil
}

func (c *Creator) Create(ctx context.Context, opt imagecreator.Options) error {
	if _, err := os.Stat(opt.Path); err == nil {
		return fmt.Errorf("imagecreator: refusing to overwrite existing target %q", opt.Path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("imagecreator: stat %q: %w", opt.Path, err)
	}

	args := []string{"create", "-f", opt.Format}
	if opt.Format == "qcow2" {
		var extra []string
		if opt.Qcow.Compat != nil {
			extra = append(extra, "compat="+*opt.Qcow.Compat)
		}
		if opt.Qcow.ClusterSize != nil {
			extra = append(extra, "cluster_size="+strconv.FormatInt(*opt.Qcow.ClusterSize, 10))
		}
		if opt.Qcow.LazyRefcounts != nil {
			extra = append(extra, "lazy_refcounts="+strconv.FormatBool(*opt.Qcow.LazyRefcounts))
		}
		if len(extra) > 0 {
			joined := extra[0]
			for _, e := range extra[1:] {
				joined += "," + e
			}
			args = append(args, "-o", joined)
		}
	}
	args = append(args, opt.Path, strconv.FormatUint(opt.VirtualSize, 10))

	cmd := exec.CommandContext(ctx, c.bin(), args...)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("imagecreator: qemu-img create: %w: %s", err, errOut.String())
	}
	return nil
}
