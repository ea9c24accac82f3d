// Package config gathers Polyglot's runtime configuration out of viper
// once cmd/polyglot has bound flags and environment variables, so the
// rest of the program depends on a plain struct instead of scattering
// viper.Get* calls through main.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the Polyglot mediator.
type Config struct {
	ConfigDir    string
	PlatformsDir string
	ListenAddr   string

	ControllerScheme   string
	ControllerHost     string
	ControllerPort     int
	ControllerUser     string
	ControllerPassword string
	ControllerTimeout  time.Duration

	BrokerAddr string
}

// Load reads configuration from viper, which merges flag values, env
// vars, and defaults (set up by the cobra command in cmd/polyglot).
func Load() Config {
	return Config{
		ConfigDir:    viper.GetString("config_dir"),
		PlatformsDir: viper.GetString("platforms_dir"),
		ListenAddr:   viper.GetString("listen_addr"),

		ControllerScheme:   viper.GetString("controller_scheme"),
		ControllerHost:     viper.GetString("controller_host"),
		ControllerPort:     viper.GetInt("controller_port"),
		ControllerUser:     viper.GetString("controller_user"),
		ControllerPassword: viper.GetString("controller_password"),
		ControllerTimeout:  viper.GetDuration("controller_timeout"),

		BrokerAddr: viper.GetString("broker_addr"),
	}
}
