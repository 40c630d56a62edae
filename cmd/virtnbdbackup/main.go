// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Command virtnbdbackup drives one backup run: resolve the checkpoint
// decision, start the hypervisor's backup job, and fan the configured
// disks out across the worker pool (component G).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/asch/virtnbdbackup/internal/backup"
	"github.com/asch/virtnbdbackup/internal/checkpoint"
	"github.com/asch/virtnbdbackup/internal/cmdutil"
	"github.com/asch/virtnbdbackup/internal/config"
	"github.com/asch/virtnbdbackup/internal/extent"
	"github.com/asch/virtnbdbackup/internal/hypervisor"
	"github.com/asch/virtnbdbackup/internal/hypervisor/virsh"
	"github.com/asch/virtnbdbackup/internal/imagecreator/qemuimg"
	"github.com/asch/virtnbdbackup/internal/nbdserver"
	"github.com/asch/virtnbdbackup/internal/nbdtransport"
	"github.com/asch/virtnbdbackup/internal/orchestrator"
	"github.com/asch/virtnbdbackup/internal/sink"
	"github.com/asch/virtnbdbackup/internal/sink/fssink"
	"github.com/asch/virtnbdbackup/internal/sink/s3sink"
	"github.com/asch/virtnbdbackup/internal/sink/zipsink"
)

type flags struct {
	configPath string
	domain     string
	mode       string
	output     string
	include    []string
	exclude    []string
	worker     int
	compress   int
	strict     bool
	offline    bool
	raw        bool
	remoteHost string
	tls        bool

	s3       bool
	s3Prefix string

	startOnly         bool
	killOnly          bool
	printEstimateOnly bool
}

func main() {
	f := &flags{}

	root := &cobra.Command{
		Use:   "virtnbdbackup",
		Short: "Block-level incremental backup of a libvirt domain's disks over NBD",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	fl := root.Flags()
	fl.StringVarP(&f.configPath, "config", "c", config.DefaultConfigPath, "configuration file path")
	fl.StringVarP(&f.domain, "domain", "d", "", "libvirt domain name (required)")
	fl.StringVarP(&f.mode, "level", "l", "auto", "backup mode: auto, full, inc, diff, copy")
	fl.StringVarP(&f.output, "output", "o", "", "output directory, or \"-\" for a zip archive on stdout (required unless --s3)")
	fl.StringSliceVar(&f.include, "include", nil, "restrict backup to these disk targets")
	fl.StringSliceVar(&f.exclude, "exclude", nil, "exclude these disk targets from the backup")
	fl.IntVarP(&f.worker, "worker", "w", 0, "concurrent disk workers, 0 means one per disk")
	fl.IntVarP(&f.compress, "compress", "z", 0, "lz4 compression level, bare flag defaults to 2")
	fl.Lookup("compress").NoOptDefVal = "-1"
	fl.BoolVar(&f.strict, "strict", false, "treat warnings as errors for exit code purposes")
	fl.BoolVar(&f.offline, "offline", false, "domain is shut off: start a local NBD server directly against the disk images")
	fl.BoolVar(&f.raw, "raw", false, "stream raw-format disks as a plain sparse copy instead of the stream container")
	fl.StringVar(&f.remoteHost, "remote-host", "", "offline mode: bind the local NBD server to this host instead of a unix socket")
	fl.BoolVar(&f.tls, "tls", false, "require TLS for the offline remote NBD listener")
	fl.BoolVar(&f.s3, "s3", false, "write the backup to the S3 bucket configured in the config file/environment instead of --output")
	fl.StringVar(&f.s3Prefix, "s3-prefix", "", "key prefix for S3 output, defaults to the domain name")
	fl.BoolVar(&f.startOnly, "start-only", false, "start the backup job, print the checkpoint name and exit without copying data")
	fl.BoolVar(&f.killOnly, "kill-only", false, "stop any backup job currently running against the domain and exit")
	fl.BoolVar(&f.printEstimateOnly, "print-estimate-only", false, "print the thin backup size estimate and exit without writing output")

	root.MarkFlagRequired("domain")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "virtnbdbackup:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	if err := config.Configure(f.configPath); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg := config.Cfg

	logger := cmdutil.SetupLogging(cfg.Log.Pretty, cfg.Log.Level)

	mode, err := parseMode(f.mode)
	if err != nil {
		return err
	}

	hv := &virsh.Client{}

	if f.killOnly {
		if err := hv.StopBackup(ctx, f.domain); err != nil {
			return fmt.Errorf("stopping backup job: %w", err)
		}
		logger.Info().Str("domain", f.domain).Msg("backup job stopped")
		return nil
	}

	if err := hv.GetDomain(ctx, f.domain); err != nil {
		return fmt.Errorf("domain %q: %w", f.domain, err)
	}

	disks, err := hv.GetDomainDisks(ctx, f.domain)
	if err != nil {
		return fmt.Errorf("listing domain disks: %w", err)
	}

	filter := diskFilter(f.include, f.exclude)

	if f.printEstimateOnly {
		return printEstimate(ctx, f, cfg, logger, hv, disks, filter, mode)
	}

	out, err := buildSink(f, cfg)
	if err != nil {
		return err
	}
	finish := func() {}
	if closer, ok := out.(interface{ Finish() error }); ok {
		finish = func() {
			if err := closer.Finish(); err != nil {
				logger.Error().Err(err).Msg("finalizing output sink failed")
			}
		}
	}
	defer finish()

	worker := f.worker
	if worker == 0 {
		worker = cfg.Worker
	}
	compress := f.compress
	if compress == 0 {
		compress = cfg.Compress
	} else if compress < 0 {
		compress = 2
	}

	inspector := &qemuimg.Creator{}
	backupCfg := backup.Config{
		Domain:           f.domain,
		Sink:             out,
		CheckpointPrefix: cfg.Checkpoint.Prefix,
		CompressLevel:    compress,
		Offline:          f.offline,
		RawPassthrough:   f.raw,
		NBDSocketDir:     cfg.NBD.SocketDir,
		NBDBasePort:      cfg.NBD.BasePort,
		NBDRemoteHost:    f.remoteHost,
		NBDTLS:           f.tls || cfg.NBD.TLS,
		ImageInspector:   inspector.Info,
		Logger:           logger,
	}

	orchCfg := orchestrator.Config{
		Domain:           f.domain,
		Mode:             mode,
		CheckpointPrefix: cfg.Checkpoint.Prefix,
		ChainPath:        chainPath(f, cfg.NBD.SocketDir),
		Strict:           f.strict || cfg.Strict,
		Workers:          worker,
		Disks:            disks,
		DiskFilter:       filter,
		Hypervisor:       hv,
		Sink:             out,
		BackupCfg:        backupCfg,
		Logger:           logger,
	}

	if f.startOnly {
		chain, decision, err := resolveDecision(f, cfg, mode)
		if err != nil {
			return err
		}
		if !f.offline && !chain.Empty() {
			if err := hv.RedefineCheckpoints(ctx, f.domain, chain.Names); err != nil {
				return fmt.Errorf("%w: %v", checkpoint.ErrRedefineCheckpoint, err)
			}
		}
		job, err := hv.StartBackup(ctx, f.domain, decision.Name, decision.Parent, disks)
		if err != nil {
			return fmt.Errorf("orchestrator: backup-begin failed: %w", err)
		}
		logger.Info().Str("checkpoint", decision.Name).Str("parent", decision.Parent).Msg("backup job started, leaving it running for a later --kill-only")
		for target, d := range job.Disks {
			logger.Info().Str("disk", target).Str("socket", d.NBDSocket).Msg("nbd endpoint ready")
		}
		return nil
	}

	result, err := orchestrator.Run(ctx, orchCfg)
	if err != nil {
		return err
	}

	for _, w := range result.Workers {
		if w.Err != nil {
			logger.Error().Str("disk", w.Disk).Err(w.Err).Msg("disk backup failed")
			continue
		}
		logger.Info().
			Str("disk", w.Disk).
			Str("file", w.Result.FinalName).
			Uint64("thinBytes", w.Result.ThinBackupSize).
			Bool("warning", w.Warning).
			Msg("disk backup complete")
	}

	finish()
	os.Exit(result.ExitCode(orchCfg.Strict))
	return nil
}

func parseMode(s string) (checkpoint.Mode, error) {
	switch strings.ToLower(s) {
	case "auto":
		return checkpoint.ModeAuto, nil
	case "full":
		return checkpoint.ModeFull, nil
	case "inc", "incremental":
		return checkpoint.ModeInc, nil
	case "diff", "differential":
		return checkpoint.ModeDiff, nil
	case "copy":
		return checkpoint.ModeCopy, nil
	default:
		return 0, fmt.Errorf("unknown backup level %q", s)
	}
}

func diskFilter(include, exclude []string) func(string) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return nil
	}
	inc := make(map[string]bool, len(include))
	for _, d := range include {
		inc[d] = true
	}
	exc := make(map[string]bool, len(exclude))
	for _, d := range exclude {
		exc[d] = true
	}
	return func(target string) bool {
		if exc[target] {
			return false
		}
		if len(inc) > 0 {
			return inc[target]
		}
		return true
	}
}

// chainPath returns where the "<domain>.cpt" checkpoint chain file
// lives. A plain output directory holds it directly; a zip-to-stdout
// or S3 run has nowhere local to write output, so the chain instead
// lives under the NBD runtime directory, keyed by domain name.
func chainPath(f *flags, socketDir string) string {
	dir := f.output
	if f.s3 || f.output == "" || f.output == "-" {
		dir = socketDir
		os.MkdirAll(dir, 0o755)
	}
	return filepath.Join(dir, f.domain+".cpt")
}

// resolveDecision loads the on-disk checkpoint chain and resolves the
// mode against it, the same way orchestrator.Run does, for the debug
// paths (--start-only, --print-estimate-only) that need the decision
// without running the full worker pool.
func resolveDecision(f *flags, cfg config.Config, mode checkpoint.Mode) (*checkpoint.Chain, checkpoint.Decision, error) {
	chain, err := checkpoint.LoadChain(chainPath(f, cfg.NBD.SocketDir))
	if err != nil {
		return nil, checkpoint.Decision{}, err
	}
	decision, err := checkpoint.Resolve(mode, cfg.Checkpoint.Prefix, chain)
	if err != nil {
		return nil, checkpoint.Decision{}, err
	}
	return chain, decision, nil
}

const estimateConnectRetries = 50
const estimateConnectRetryDelay = 100 * time.Millisecond

func connectRetry(ctx context.Context, socketPath, metaContext string) (*nbdtransport.Transport, error) {
	var lastErr error
	for i := 0; i < estimateConnectRetries; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t, err := nbdtransport.ConnectUnix(socketPath, metaContext)
		if err == nil {
			return t, nil
		}
		lastErr = err
		time.Sleep(estimateConnectRetryDelay)
	}
	return nil, lastErr
}

func buildSink(f *flags, cfg config.Config) (sink.Sink, error) {
	if f.s3 {
		prefix := f.s3Prefix
		if prefix == "" {
			prefix = f.domain
		}
		return s3sink.New(s3sink.Options{
			Remote:      cfg.S3.Remote,
			Region:      cfg.S3.Region,
			Bucket:      cfg.S3.Bucket,
			AccessKey:   cfg.S3.AccessKey,
			SecretKey:   cfg.S3.SecretKey,
			Uploaders:   cfg.S3.Uploaders,
			Downloaders: cfg.S3.Downloaders,
		}, prefix)
	}

	if f.output == "-" {
		return zipsink.New(os.Stdout), nil
	}

	if f.output == "" {
		return nil, fmt.Errorf("either --output or --s3 must be given")
	}

	if err := os.MkdirAll(f.output, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory %q: %w", f.output, err)
	}
	return fssink.New(f.output), nil
}

// printEstimate implements "--print-estimate-only": it connects to each
// disk's NBD endpoint exactly as a real backup would, runs the extent
// handler, and prints the summed thinBackupSize without ever opening a
// sink writer (§4 "exercises the extent handler in isolation").
func printEstimate(ctx context.Context, f *flags, cfg config.Config, logger zerolog.Logger, hv hypervisor.Hypervisor, disks []hypervisor.Disk, filter func(string) bool, mode checkpoint.Mode) error {
	if filter != nil {
		var filtered []hypervisor.Disk
		for _, d := range disks {
			if filter(d.Target) {
				filtered = append(filtered, d)
			}
		}
		disks = filtered
	}

	_, decision, err := resolveDecision(f, cfg, mode)
	if err != nil {
		return err
	}
	if mode == checkpoint.ModeAuto && decision.Parent != "" {
		mode = checkpoint.ModeInc
	}

	sockets := map[string]string{}

	if f.offline {
		var servers []*nbdserver.Server
		defer func() {
			for _, s := range servers {
				s.Stop()
			}
		}()
		for _, d := range disks {
			sock := filepath.Join(cfg.NBD.SocketDir, "estimate."+d.Target)
			srv := nbdserver.ListenUnix(sock)
			if err := srv.Start(ctx, logger, []nbdserver.Export{{Name: d.Target, Path: d.SourceFile, ReadOnly: true}}); err != nil {
				return fmt.Errorf("starting local nbd server for %q: %w", d.Target, err)
			}
			servers = append(servers, srv)
			sockets[d.Target] = sock
		}
	} else {
		job, err := hv.StartBackup(ctx, f.domain, decision.Name, decision.Parent, disks)
		if err != nil {
			return fmt.Errorf("starting backup job: %w", err)
		}
		defer hv.StopBackup(ctx, f.domain)
		for target, d := range job.Disks {
			sockets[target] = d.NBDSocket
		}
	}

	for _, d := range disks {
		metaContext := "base:allocation"
		if mode == checkpoint.ModeInc || mode == checkpoint.ModeDiff {
			metaContext = extent.MetaContextName(decision.Parent, d.Target, f.offline)
		}

		transport, err := connectRetry(ctx, sockets[d.Target], metaContext)
		if err != nil {
			return fmt.Errorf("connecting to %q: %w", d.Target, err)
		}

		size, err := transport.GetSize()
		if err != nil {
			transport.Disconnect()
			return fmt.Errorf("getting size for %q: %w", d.Target, err)
		}

		handler := &extent.NBDHandler{Client: transport, DiskSize: size}
		extents, err := handler.QueryBlockStatus()
		transport.Disconnect()
		if err != nil {
			return fmt.Errorf("querying extents for %q: %w", d.Target, err)
		}

		var thin uint64
		for _, e := range extents {
			if e.Data {
				thin += e.Length
			}
		}
		fmt.Printf("%s\t%d\n", d.Target, thin)
	}

	return nil
}
