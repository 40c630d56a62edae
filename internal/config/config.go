// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values shared by the backup and restore tools.
package config

import (
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/virtnbdbackup/config.toml"
)

var Cfg Config

// Configuration structure for both tools. We use toml format for
// file-based configuration and also all configuration options can be
// overriden by environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Worker   int  `toml:"worker" env:"VNBD_WORKER" env-default:"0" env-description:"Number of concurrent disk workers. 0 means one worker per disk."`
	Strict   bool `toml:"strict" env:"VNBD_STRICT" env-default:"false" env-description:"Treat warnings as errors for exit code purposes."`
	Compress int  `toml:"compress" env:"VNBD_COMPRESS" env-default:"0" env-description:"lz4 compression level. 0 disables compression, a truthy value with no level defaults to 2."`

	NBD struct {
		SocketDir string `toml:"socket_dir" env:"VNBD_NBD_SOCKETDIR" env-default:"/var/run/virtnbdbackup" env-description:"Directory for offline-mode local NBD unix sockets."`
		BasePort  int    `toml:"base_port" env:"VNBD_NBD_BASEPORT" env-default:"10809" env-description:"Base TCP port for offline remote mode. Disjoint per worker: basePort + workerIndex."`
		TLS       bool   `toml:"tls" env:"VNBD_NBD_TLS" env-default:"false" env-description:"Require TLS for remote NBD connections."`
	} `toml:"nbd"`

	Checkpoint struct {
		Prefix string `toml:"prefix" env:"VNBD_CPT_PREFIX" env-default:"virtnbdbackup" env-description:"Checkpoint name prefix."`
	} `toml:"checkpoint"`

	S3 struct {
		Remote      string `toml:"remote" env:"VNBD_S3_REMOTE" env-description:"S3 remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"VNBD_S3_REGION" env-description:"S3 region." env-default:"us-east-1"`
		Bucket      string `toml:"bucket" env:"VNBD_S3_BUCKET" env-description:"S3 bucket name." env-default:"virtnbdbackup"`
		AccessKey   string `toml:"access_key" env:"VNBD_S3_ACCESSKEY" env-description:"S3 access key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"VNBD_S3_SECRETKEY" env-description:"S3 secret key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"VNBD_S3_UPLOADERS" env-description:"Max number of uploader threads." env-default:"4"`
		Downloaders int    `toml:"downloaders" env:"VNBD_S3_DOWNLOADERS" env-description:"Max number of downloader threads." env-default:"4"`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"VNBD_LOG_LEVEL" env-default:"-1" env-description:"zerolog level."`
		Pretty bool `toml:"pretty" env:"VNBD_LOG_PRETTY" env-default:"true" env-description:"Pretty console logging."`
	} `toml:"log"`
}

// DefaultConfigPath is used by the cobra commands as the default value
// of their shared "-c" flag.
const DefaultConfigPath = defaultConfig

// Configure loads configPath (falling back silently to environment
// variables alone if the file is absent, per cleanenv's own
// precedence) and normalizes the compress-level sentinel. The
// configuration file has the lowest priority; environment variables
// the highest.
func Configure(configPath string) error {
	Cfg.ConfigPath = configPath

	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	if Cfg.Compress != 0 && Cfg.Compress < 0 {
		Cfg.Compress = 2
	}

	return nil
}
