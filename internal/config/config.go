// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/snapuserd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Null bool `toml:"null" env:"SNAPUSERD_NULL" env-default:"false" env-description:"Use null CowLog and base device, i.e. immediate acknowledge to reads. For testing RequestLoop raw performance."`

	MiscName      string `toml:"misc_name" env:"SNAPUSERD_MISC_NAME" env-default:"snapshot" env-description:"Misc device name; control device is /dev/<ubd-root>/<misc_name>."`
	ControlDevice string `toml:"control_device" env:"SNAPUSERD_CONTROL_DEVICE" env-default:"" env-description:"Path of the kernel-facing control device. Empty means derive from UbdRoot and MiscName."`
	UbdRoot       string `toml:"ubd_root" env:"SNAPUSERD_UBD_ROOT" env-default:"/dev/dm-user" env-description:"Root directory under which the control device is exposed."`
	CowDevice     string `toml:"cow_device" env:"SNAPUSERD_COW_DEVICE" env-default:"" env-description:"Path to the COW log file."`
	BaseDeviceSock string `toml:"base_device_sock" env:"SNAPUSERD_BASE_DEVICE_SOCK" env-default:"/tmp/snapuserd-base.sock" env-description:"Unix socket exporting the read-only base device over NBD."`

	Metrics struct {
		Enabled          bool   `toml:"enabled" env:"SNAPUSERD_METRICS_ENABLED" env-default:"false" env-description:"Publish merge-progress and error metrics to CloudWatch."`
		Region           string `toml:"region" env:"SNAPUSERD_METRICS_REGION" env-default:"us-east-1" env-description:"AWS region for CloudWatch."`
		Namespace        string `toml:"namespace" env:"SNAPUSERD_METRICS_NAMESPACE" env-default:"snapuserd" env-description:"CloudWatch metrics namespace."`
		ReportIntervalMs int64  `toml:"report_interval" env:"SNAPUSERD_METRICS_REPORT_INTERVAL" env-default:"60000" env-description:"Milliseconds between periodic status reports."`
	} `toml:"metrics"`

	Log struct {
		Level  int  `toml:"level" env:"SNAPUSERD_LOG_LEVEL" env-default:"-1" env-description:"Log level."`
		Pretty bool `toml:"pretty" env:"SNAPUSERD_LOG_PRETTY" env-default:"true" env-description:"Pretty logging."`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"SNAPUSERD_PROFILER" env-default:"false" env-description:"Enable golang web profiler."`
	ProfilerPort int  `toml:"profiler_port" env:"SNAPUSERD_PROFILER_PORT" env-default:"6060" env-description:"Port to listen on."`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	if Cfg.ControlDevice == "" {
		Cfg.ControlDevice = Cfg.UbdRoot + "/" + Cfg.MiscName
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("snapuserd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
