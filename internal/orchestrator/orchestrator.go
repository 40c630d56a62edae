// Package orchestrator implements the top-level backup control flow
// (component G): mode resolution from target-directory state, the
// concurrent disk worker pool, and interrupt handling. The signal
// handler pattern (a buffered channel plus a goroutine invoking
// cleanup) follows the daemon's own main-loop shutdown path.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/asch/virtnbdbackup/internal/backup"
	"github.com/asch/virtnbdbackup/internal/checkpoint"
	"github.com/asch/virtnbdbackup/internal/hypervisor"
	"github.com/asch/virtnbdbackup/internal/sink"
)

// Config is the run-wide configuration resolved from CLI flags.
type Config struct {
	Domain           string
	Mode             checkpoint.Mode
	CheckpointPrefix string
	ChainPath        string
	Strict           bool
	Workers          int // 0 means one worker per disk
	Disks            []hypervisor.Disk
	DiskFilter       func(target string) bool

	Hypervisor hypervisor.Hypervisor
	Sink       sink.Sink
	BackupCfg  backup.Config

	Logger zerolog.Logger
}

// WorkerResult pairs a disk's outcome with any error.
type WorkerResult struct {
	Disk    string
	Result  backup.Result
	Err     error
	Warning bool
}

// RunResult is the aggregated outcome of one invocation.
type RunResult struct {
	Workers       []WorkerResult
	AnyFailed     bool
	AnyWarning    bool
}

// ExitCode implements §6's exit-code policy: 0 success, 1 error, 2
// warnings-in-strict-mode.
func (r RunResult) ExitCode(strict bool) int {
	if r.AnyFailed {
		return 1
	}
	if strict && r.AnyWarning {
		return 2
	}
	return 0
}

// PartialResidueChecker is satisfied by sinks that can report a prior
// failed run's leftover ".partial" files (fssink.Dir).
type PartialResidueChecker interface {
	HasPartialResidue() (bool, error)
}

// Run resolves the checkpoint decision, rejects inc/diff against a
// dirty output directory, starts the hypervisor backup job, spawns the
// worker pool, and records the checkpoint once every worker has
// returned and the job was confirmed started (§4.G, §5).
func Run(ctx context.Context, cfg Config) (RunResult, error) {
	if prc, ok := cfg.Sink.(PartialResidueChecker); ok && cfg.Mode != checkpoint.ModeFull && cfg.Mode != checkpoint.ModeCopy {
		dirty, err := prc.HasPartialResidue()
		if err != nil {
			return RunResult{}, fmt.Errorf("orchestrator: checking for partial residue: %w", err)
		}
		if dirty {
			return RunResult{}, fmt.Errorf("orchestrator: refusing %s: target directory has .partial residue from a prior failed run", cfg.Mode)
		}
	}

	foreign, hasForeign, err := cfg.Hypervisor.HasForeignCheckpoint(ctx, cfg.Domain, cfg.CheckpointPrefix)
	if err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: checking foreign checkpoints: %w", err)
	}
	if hasForeign {
		return RunResult{}, fmt.Errorf("%w: %q", checkpoint.ErrForeign, foreign)
	}

	chain, err := checkpoint.LoadChain(cfg.ChainPath)
	if err != nil {
		return RunResult{}, err
	}

	decision, err := checkpoint.Resolve(cfg.Mode, cfg.CheckpointPrefix, chain)
	if err != nil {
		return RunResult{}, err
	}

	// Workers name and frame their stream files by mode, so auto is
	// replaced by the mode Resolve chose: full on an empty chain, else inc.
	if cfg.Mode == checkpoint.ModeAuto {
		if chain.Empty() {
			cfg.Mode = checkpoint.ModeFull
		} else {
			cfg.Mode = checkpoint.ModeInc
		}
	}

	disks := cfg.Disks
	if cfg.DiskFilter != nil {
		var filtered []hypervisor.Disk
		for _, d := range disks {
			if cfg.DiskFilter(d.Target) {
				filtered = append(filtered, d)
			}
		}
		disks = filtered
	}

	// §4.F: for the online path the chain's checkpoints must be
	// re-declared to the hypervisor on every run (the domain only keeps
	// checkpoint metadata for its own lifetime, not across qemu
	// restarts); failure here is fatal to the run, not just a warning.
	if !cfg.BackupCfg.Offline && !chain.Empty() {
		if err := cfg.Hypervisor.RedefineCheckpoints(ctx, cfg.Domain, chain.Names); err != nil {
			return RunResult{}, fmt.Errorf("%w: %v", checkpoint.ErrRedefineCheckpoint, err)
		}
	}

	// A full backup over a non-empty chain drops every hypervisor-side
	// checkpoint before the job creates this run's replacement.
	if decision.Truncate {
		if err := cfg.Hypervisor.RemoveAllCheckpoints(ctx, cfg.Domain); err != nil {
			return RunResult{}, fmt.Errorf("%w: %v", checkpoint.ErrRemoveCheckpoint, err)
		}
	}

	job, err := cfg.Hypervisor.StartBackup(ctx, cfg.Domain, decision.Name, decision.Parent, disks)
	if err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: backup-begin failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	restoreSignals := installSignalHandler(ctx, cancel, cfg.Logger, cfg.Hypervisor, cfg.Domain)
	defer restoreSignals()

	workers := cfg.Workers
	if workers <= 0 || workers > len(disks) {
		workers = len(disks)
	}
	if cfg.Sink.MaxWorkers() > 0 && workers > cfg.Sink.MaxWorkers() {
		workers = cfg.Sink.MaxWorkers()
	}
	if workers < 1 {
		workers = 1
	}

	results := runPool(ctx, cfg, job, decision, disks, workers)

	run := RunResult{Workers: results}
	for _, r := range results {
		if r.Err != nil {
			run.AnyFailed = true
		}
		if r.Warning {
			run.AnyWarning = true
		}
	}

	if err := cfg.Hypervisor.StopBackup(ctx, cfg.Domain); err != nil {
		cfg.Logger.Error().Err(err).Msg("stopBackup failed")
		run.AnyFailed = true
	}

	if !run.AnyFailed {
		if err := saveDomainConfig(ctx, cfg, decision); err != nil {
			cfg.Logger.Warn().Err(err).Msg("saving domain configuration failed")
		}
	}

	if !run.AnyFailed && decision.Extend {
		if decision.Truncate {
			if err := chain.Truncate(); err != nil {
				return run, err
			}
		}
		if err := chain.Append(decision.Name); err != nil {
			return run, err
		}
	}

	return run, nil
}

// saveDomainConfig persists the domain's current XML configuration
// alongside the disk stream files (§6), named by the same ident used
// for qcow sidecars so a restore can pair them up.
func saveDomainConfig(ctx context.Context, cfg Config, decision checkpoint.Decision) error {
	xml, err := cfg.Hypervisor.GetDomainConfig(ctx, cfg.Domain)
	if err != nil {
		return fmt.Errorf("fetching domain config: %w", err)
	}

	name := fmt.Sprintf("vmconfig.%s.xml", backup.IdentFor(decision))
	w, err := cfg.Sink.Create(name)
	if err != nil {
		return fmt.Errorf("creating %q: %w", name, err)
	}
	if _, err := w.Write(xml); err != nil {
		w.Abort()
		return fmt.Errorf("writing %q: %w", name, err)
	}
	return w.Close()
}

func runPool(ctx context.Context, cfg Config, job *hypervisor.BackupJob, decision checkpoint.Decision, disks []hypervisor.Disk, workers int) []WorkerResult {
	type indexed struct {
		idx  int
		disk hypervisor.Disk
	}

	work := make(chan indexed)
	results := make([]WorkerResult, len(disks))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				disk := item.disk
				if job != nil {
					if d, ok := job.Disks[disk.Target]; ok {
						disk = d
					}
				}

				res, err := backup.BackupDisk(ctx, cfg.BackupCfg, backup.Job{
					Disk:        disk,
					WorkerIndex: item.idx,
					Mode:        cfg.Mode,
					Decision:    decision,
				})

				wr := WorkerResult{Disk: disk.Target, Result: res, Err: err, Warning: res.Warning}
				if err != nil {
					cfg.Logger.Error().Str("disk", disk.Target).Err(err).Msg("disk backup failed")
				}
				results[item.idx] = wr
			}
		}()
	}

	for i, d := range disks {
		work <- indexed{idx: i, disk: d}
	}
	close(work)
	wg.Wait()

	return results
}

// installSignalHandler installs a SIGINT/SIGTERM handler that cancels
// ctx (observed at each worker's connect/retry loop, §9 "cancellation
// token observed at worker join points") and invokes hypervisor.
// StopBackup once, best-effort. It returns a function that
// deregisters the handler at the end of a run.
func installSignalHandler(ctx context.Context, cancel context.CancelFunc, log zerolog.Logger, hv hypervisor.Hypervisor, domain string) func() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-stopChan:
			cancel()
			log.Info().Msg("received interrupt, stopping backup job")
			if err := hv.StopBackup(context.Background(), domain); err != nil {
				log.Error().Err(err).Msg("stopBackup during interrupt cleanup failed")
			}
		case <-done:
		}
	}()

	return func() {
		close(done)
		signal.Stop(stopChan)
	}
}
