package monitor

import (
	"fmt"
	"os"
	"time"

	"github.com/konveyor/load-progress/drain"
	"github.com/konveyor/load-progress/hintcache"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

// Config holds the tunables of a Monitor. It binds to cobra flags and can be
// read from a YAML file; flags given on the command line win over the file.
//
// Example:
//
//	config := monitor.DefaultConfig()
//	cmd := &cobra.Command{
//	    Use: "run",
//	    RunE: func(cmd *cobra.Command, args []string) error {
//	        m, err := monitor.New(config.ToOptions()...)
//	        ...
//	    },
//	}
//	config.AddFlags(cmd)
type Config struct {
	// FrameRate is the drain frame rate; the frame budget is 1s/FrameRate.
	FrameRate int `yaml:"frameRate"`

	// TickInterval is how often Run ticks the sequencer and drainer.
	TickInterval time.Duration `yaml:"tickInterval"`

	// ThrottleInterval rate limits progress snapshots sent to reporters.
	ThrottleInterval time.Duration `yaml:"throttleInterval"`

	// MergePolicy is "before" or "after".
	MergePolicy string `yaml:"mergePolicy"`

	// HintCachePath enables the hint cache when set.
	HintCachePath string `yaml:"hintCachePath"`

	HintCacheVersion int `yaml:"hintCacheVersion"`
}

func DefaultConfig() *Config {
	return &Config{
		FrameRate:        drain.DefaultFrameRate,
		TickInterval:     time.Second / 60,
		ThrottleInterval: 100 * time.Millisecond,
		MergePolicy:      drain.MergeBefore.String(),
		HintCacheVersion: hintcache.CurrentVersion,
	}
}

const (
	flagFrameRate        = "frame-rate"
	flagTickInterval     = "tick-interval"
	flagThrottleInterval = "throttle-interval"
	flagMergePolicy      = "merge-policy"
	flagHintCache        = "hint-cache"
	flagHintCacheVersion = "hint-cache-version"
)

// AddFlags binds the config fields to flags on cmd. Current field values
// become the flag defaults.
func (c *Config) AddFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&c.FrameRate, flagFrameRate, c.FrameRate, "Frames per second a deferred-action drain aims for")
	cmd.Flags().DurationVar(&c.TickInterval, flagTickInterval, c.TickInterval, "Interval between monitor ticks")
	cmd.Flags().DurationVar(&c.ThrottleInterval, flagThrottleInterval, c.ThrottleInterval, "Minimum interval between progress redraws")
	cmd.Flags().StringVar(&c.MergePolicy, flagMergePolicy, c.MergePolicy, "Where deferred actions after the pivot go: 'before' or 'after' actions queued meanwhile")
	cmd.Flags().StringVar(&c.HintCachePath, flagHintCache, c.HintCachePath, "Path of the hint cache file (empty disables it)")
	cmd.Flags().IntVar(&c.HintCacheVersion, flagHintCacheVersion, c.HintCacheVersion, "Hint cache version; caches of other versions are discarded")
}

// ToOptions converts the config to monitor options. Validation happens when
// the options are applied by New.
func (c *Config) ToOptions() []Option {
	options := []Option{
		WithFrameRate(c.FrameRate),
		WithTickInterval(c.TickInterval),
		WithThrottleInterval(c.ThrottleInterval),
		WithMergePolicy(c.MergePolicy),
	}
	if c.HintCachePath != "" {
		options = append(options, WithHintCache(c.HintCachePath, c.HintCacheVersion))
	}
	return options
}

// LoadConfigFile reads a YAML config. Fields missing from the file keep
// their defaults.
func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config %s: %w", path, err)
	}
	config := DefaultConfig()
	if err := yaml.UnmarshalStrict(content, config); err != nil {
		return nil, fmt.Errorf("unable to parse config %s: %w", path, err)
	}
	return config, nil
}

// MergeFile fills every field whose flag was not set on the command line
// from the YAML file at path.
func (c *Config) MergeFile(path string, flags *pflag.FlagSet) error {
	file, err := LoadConfigFile(path)
	if err != nil {
		return err
	}
	changed := func(name string) bool {
		return flags != nil && flags.Changed(name)
	}
	if !changed(flagFrameRate) {
		c.FrameRate = file.FrameRate
	}
	if !changed(flagTickInterval) {
		c.TickInterval = file.TickInterval
	}
	if !changed(flagThrottleInterval) {
		c.ThrottleInterval = file.ThrottleInterval
	}
	if !changed(flagMergePolicy) {
		c.MergePolicy = file.MergePolicy
	}
	if !changed(flagHintCache) {
		c.HintCachePath = file.HintCachePath
	}
	if !changed(flagHintCacheVersion) {
		c.HintCacheVersion = file.HintCacheVersion
	}
	return nil
}
