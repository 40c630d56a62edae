// Package virsh is a minimal shell-backed Hypervisor adapter. It exists
// only so the cmd/ binaries are runnable end to end; the actual
// libvirt/XML semantics are out of scope (§1) and deliberately not
// reimplemented here — every call is a thin os/exec wrapper around the
// virsh CLI.
package virsh

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/asch/virtnbdbackup/internal/checkpoint"
	"github.com/asch/virtnbdbackup/internal/hypervisor"
)

// Client shells out to the virsh binary found on PATH.
type Client struct {
	// Bin overrides the virsh binary path; defaults to "virsh".
	Bin string
}

func (c *Client) bin() string {
	if c.Bin == "" {
		return "virsh"
	}
	return c.Bin
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin(), args...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("virsh %v: %w: %s", args, err, errOut.String())
	}
	return out.Bytes(), nil
}

func (c *Client) GetDomain(ctx context.Context, name string) error {
	_, err := c.run(ctx, "dominfo", name)
	return err
}

func (c *Client) GetDomainDisks(ctx context.Context, name string) ([]hypervisor.Disk, error) {
	out, err := c.run(ctx, "domblklist", name, "--details")
	if err != nil {
		return nil, err
	}

	var disks []hypervisor.Disk
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "Type" {
			continue
		}
		disks = append(disks, hypervisor.Disk{Target: fields[2], SourceFile: fields[3]})
	}
	return disks, nil
}

func (c *Client) GetDomainConfig(ctx context.Context, name string) ([]byte, error) {
	return c.run(ctx, "dumpxml", name)
}

func (c *Client) StartBackup(ctx context.Context, domain, checkpointName, parentCheckpoint string, disks []hypervisor.Disk) (*hypervisor.BackupJob, error) {
	args := []string{"backup-begin", domain}
	if checkpointName != "" {
		args = append(args, "--checkpointxml", "-")
		_ = parentCheckpoint // consumed by the (out of scope) checkpoint XML builder
	}
	if _, err := c.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("hypervisor: backup-begin: %w", err)
	}

	job := &hypervisor.BackupJob{Disks: map[string]hypervisor.Disk{}}
	for _, d := range disks {
		job.Disks[d.Target] = d
	}
	return job, nil
}

func (c *Client) StopBackup(ctx context.Context, domain string) error {
	_, err := c.run(ctx, "domjobabort", domain)
	return err
}

func (c *Client) BackupCheckpoints(ctx context.Context, domain string) ([]string, error) {
	out, err := c.run(ctx, "checkpoint-list", domain, "--name")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (c *Client) HasForeignCheckpoint(ctx context.Context, domain, prefix string) (string, bool, error) {
	names, err := c.BackupCheckpoints(ctx, domain)
	if err != nil {
		return "", false, err
	}
	if foreign := checkpoint.Foreign(prefix, names); len(foreign) > 0 {
		return foreign[0], true, nil
	}
	return "", false, nil
}

func (c *Client) RemoveAllCheckpoints(ctx context.Context, domain string) error {
	names, err := c.BackupCheckpoints(ctx, domain)
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, err := c.run(ctx, "checkpoint-delete", domain, n); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) RedefineCheckpoints(ctx context.Context, domain string, checkpoints []string) error {
	for _, n := range checkpoints {
		if _, err := c.run(ctx, "checkpoint-create", domain, "--redefine", n); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) DefineDomain(ctx context.Context, configXML []byte) error {
	cmd := exec.CommandContext(ctx, c.bin(), "define", "/dev/stdin")
	cmd.Stdin = bytes.NewReader(configXML)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("virsh define: %w: %s", err, errOut.String())
	}
	return nil
}

func (c *Client) AdjustDomainConfig(configXML []byte, diskPathRewrites map[string]string) ([]byte, error) {
	out := string(configXML)
	for target, newPath := range diskPathRewrites {
		out = rewriteSourceFile(out, target, newPath)
	}
	return []byte(out), nil
}

func (c *Client) AdjustDomainConfigRemoveDisk(configXML []byte, target string) ([]byte, error) {
	// Best-effort textual removal of the <disk> element enclosing the
	// target, in the same style as rewriteSourceFile.
	xml := string(configXML)
	idx := strings.Index(xml, fmt.Sprintf("target dev='%s'", target))
	if idx < 0 {
		return configXML, nil
	}
	start := strings.LastIndex(xml[:idx], "<disk ")
	end := strings.Index(xml[idx:], "</disk>")
	if start < 0 || end < 0 {
		return configXML, nil
	}
	end = idx + end + len("</disk>")
	return []byte(xml[:start] + xml[end:]), nil
}

func (c *Client) RefreshPool(ctx context.Context, poolName string) error {
	_, err := c.run(ctx, "pool-refresh", poolName)
	return err
}

func rewriteSourceFile(xml, target, newPath string) string {
	marker := fmt.Sprintf("target dev='%s'", target)
	idx := strings.Index(xml, marker)
	if idx < 0 {
		return xml
	}
	// Best-effort textual rewrite of the nearest preceding source file=
	// attribute; a production adapter would use an XML encoder.
	head := xml[:idx]
	srcIdx := strings.LastIndex(head, "source file='")
	if srcIdx < 0 {
		return xml
	}
	srcIdx += len("source file='")
	end := strings.Index(xml[srcIdx:], "'")
	if end < 0 {
		return xml
	}
	return xml[:srcIdx] + newPath + xml[srcIdx+end:]
}
