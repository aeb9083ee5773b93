// Package envflag binds the flags of the benchmark binaries to environment
// variables and an optional config file through viper, so that the binaries
// can be configured either way when run as jobs.
package envflag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Prefix of the environment variable derived from every flag name:
// --num-users is also read from LLMBENCH_NUM_USERS.
const Prefix = "LLMBENCH"

// ConfigFlag names the flag holding a config file, when a command defines it.
const ConfigFlag = "config"

// Bind binds the flags of cmd to a new viper instance and fills every flag
// not given on the command line from the environment (the prefixed variable
// or the variables listed for it in envs) or else from the config file.
func Bind(cmd *cobra.Command, envs map[string]string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(Prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	for name, env := range envs {
		if flags.Lookup(name) == nil {
			return nil, fmt.Errorf("no flag %q to bind %s to", name, env)
		}
		if err := v.BindEnv(name, env); err != nil {
			return nil, err
		}
	}
	if path := v.GetString(ConfigFlag); path != "" && flags.Lookup(ConfigFlag) != nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := set(f, v); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	return v, errors.Join(errs...)
}

func set(f *pflag.Flag, v *viper.Viper) error {
	switch f.Value.Type() {
	case "duration":
		d, err := ParseDuration(v.GetString(f.Name))
		if err != nil {
			return err
		}
		return f.Value.Set(d.String())
	case "intSlice", "stringSlice", "int64Slice", "float64Slice":
		return f.Value.Set(strings.Join(v.GetStringSlice(f.Name), ","))
	}
	return f.Value.Set(v.GetString(f.Name))
}

// ParseDuration accepts Go durations ("90s", "1m30s") and bare numbers of
// seconds ("90", "1.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
