package cli

import (
	"os"

	"github.com/spf13/pflag"
	"k8s.io/utils/ptr"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/config"
)

// Options holds the global flags shared by every command.
type Options struct {
	ConfigPath string
	DryRun     bool
	Yes        bool
	MaxMoves   int
	Threshold  float64
}

// AddFlags will add the flags to the pflag.FlagSet
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigPath, "config", "c", o.ConfigPath, "path to the config file; without it defaults and PVE_* environment variables are used")
	fs.BoolVar(&o.DryRun, "dry-run", o.DryRun, "plan and log every mutating call without performing it")
	fs.BoolVarP(&o.Yes, "yes", "y", o.Yes, "skip the confirmation prompt before migrations")
	fs.IntVar(&o.MaxMoves, "max-moves", o.MaxMoves, "upper bound on moves in a balance plan")
	fs.Float64Var(&o.Threshold, "threshold", o.Threshold, "load spread below which the cluster counts as balanced (0-1)")
}

// loadConfig reads the config file and lets explicitly set flags win over it.
func (o *Options) loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		if err := cfg.ApplyEnvironmentOverrides(os.LookupEnv); err != nil {
			return nil, err
		}
	}

	if fs.Changed("dry-run") {
		cfg.DryRun = o.DryRun
	}
	if o.Yes {
		cfg.Migration.Confirm = false
	}
	if fs.Changed("max-moves") {
		cfg.Balance.MaxMoves = o.MaxMoves
	}
	if fs.Changed("threshold") {
		cfg.Balance.Threshold = ptr.To(o.Threshold)
	}
	if err := cfg.ApplyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
