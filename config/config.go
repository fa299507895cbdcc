// Package config loads throttle settings from a file and the environment.
//
// Policy keys sit at the top level, registry settings under "registry":
//
//	sliding_window_period: 2s
//	max_send_threshold: 20
//	initial_delay: 700ms
//	registry:
//	  max_entries: 500
//	  opt_out_hosts: [internal.example.com]
//
// Every key can be overridden by an environment variable made of the prefix
// and the upper-cased key path, e.g. BACKOFF_INITIAL_DELAY or
// BACKOFF_REGISTRY_MAX_ENTRIES.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/adamwoolhether/backoffer/throttle"
	"github.com/adamwoolhether/backoffer/throttle/registry"
)

// DefaultEnvPrefix is used when an empty prefix is given.
const DefaultEnvPrefix = "BACKOFF"

var ErrLoad = errors.New("loading throttle config")

// Config is the full set of loadable settings.
type Config struct {
	throttle.Policy `mapstructure:",squash"`

	Registry Registry `mapstructure:"registry"`
}

// Registry holds the registry settings that may be configured.
type Registry struct {
	Name            string   `mapstructure:"name"`
	MaxEntries      int      `mapstructure:"max_entries"`
	SweepInterval   int      `mapstructure:"sweep_interval"`
	LocalhostExempt bool     `mapstructure:"localhost_exempt"`
	OptOutHosts     []string `mapstructure:"opt_out_hosts"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Policy: throttle.DefaultPolicy(),
		Registry: Registry{
			Name:            "default",
			MaxEntries:      registry.DefaultMaxEntries,
			SweepInterval:   registry.DefaultSweepInterval,
			LocalhostExempt: true,
		},
	}
}

// Load reads path, if not empty, then the environment, on top of Default.
// The result is validated. Unknown keys in the file are an error.
func Load(path string, envPrefix string) (Config, error) {
	v := newViper(envPrefix)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %w", ErrLoad, path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.UnmarshalExact(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("%w: decoding: %w", ErrLoad, err)
	}

	if err := cfg.Policy.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if cfg.Registry.MaxEntries <= 0 {
		return Config{}, fmt.Errorf("%w: registry.max_entries must be greater than zero", ErrLoad)
	}
	if cfg.Registry.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("%w: registry.sweep_interval must be greater than zero", ErrLoad)
	}

	return cfg, nil
}

// LoadPolicy is Load for callers that only want the policy.
func LoadPolicy(path string, envPrefix string) (throttle.Policy, error) {
	cfg, err := Load(path, envPrefix)
	if err != nil {
		return throttle.Policy{}, err
	}

	return cfg.Policy, nil
}

// RegistryOptions turns the registry settings into options for
// registry.New.
func (c Config) RegistryOptions() []registry.Option {
	return []registry.Option{
		registry.WithName(c.Registry.Name),
		registry.WithMaxEntries(c.Registry.MaxEntries),
		registry.WithSweepInterval(c.Registry.SweepInterval),
		registry.WithLocalhostExempt(c.Registry.LocalhostExempt),
	}
}

// NewRegistry builds a registry from c and applies its opt-out hosts.
func (c Config) NewRegistry(extra ...registry.Option) (*registry.Registry, error) {
	reg, err := registry.New(c.Policy, append(c.RegistryOptions(), extra...)...)
	if err != nil {
		return nil, err
	}

	for _, host := range c.Registry.OptOutHosts {
		if host = strings.TrimSpace(host); host != "" {
			reg.OptOut(host)
		}
	}

	return reg, nil
}

// Settings flattens c into the dotted keys Load understands, with values in
// the form a config file would carry them.
func (c Config) Settings() map[string]any {
	p := c.Policy
	return map[string]any{
		"sliding_window_period":     p.SlidingWindowPeriod.String(),
		"max_send_threshold":        p.MaxSendThreshold,
		"num_errors_to_ignore":      p.NumErrorsToIgnore,
		"initial_delay":             p.InitialDelay.String(),
		"multiply_factor":           p.MultiplyFactor,
		"jitter_factor":             p.JitterFactor,
		"maximum_backoff":           p.MaximumBackoff.String(),
		"entry_lifetime":            p.EntryLifetime.String(),
		"registry.name":             c.Registry.Name,
		"registry.max_entries":      c.Registry.MaxEntries,
		"registry.sweep_interval":   c.Registry.SweepInterval,
		"registry.localhost_exempt": c.Registry.LocalhostExempt,
		"registry.opt_out_hosts":    strings.Join(c.Registry.OptOutHosts, ","),
	}
}

func newViper(envPrefix string) *viper.Viper {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can see it on Unmarshal.
	for key, value := range Default().Settings() {
		v.SetDefault(key, value)
	}
	v.SetDefault("registry.opt_out_hosts", []string{})

	return v
}
