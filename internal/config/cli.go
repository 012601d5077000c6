// Package config holds the root command-line interface.
package config

import "github.com/Alia5/vkey/internal/cmd"

// CLI is the root kong grammar. Flags, environment and config files feed it.
type CLI struct {
	ConfigFile string `name:"config" help:"Path to a JSON, YAML or TOML configuration file" type:"path" env:"VKEY_CONFIG"`

	Log struct {
		Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" enum:"trace,debug,info,warn,error" env:"VKEY_LOG_LEVEL"`
		File    string `help:"Also write logs to this file" type:"path" env:"VKEY_LOG_FILE"`
		RawFile string `help:"Hex-dump all USB-IP traffic to this file" type:"path" env:"VKEY_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`

	Server cmd.Server        `cmd:"" help:"Serve the emulated device over USB-IP"`
	Config cmd.ConfigCommand `cmd:"" help:"Configuration helpers"`
	State  cmd.StateCommand  `cmd:"" help:"Persisted device state helpers"`
}
