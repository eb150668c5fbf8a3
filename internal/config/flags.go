package config

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Flags returns one CLI flag per configuration value. Every flag also reads
// its environment variable. Unset flags fall back to the same defaults as
// Load, and a flag set to empty is kept empty.
func Flags() []cli.Flag {
	flags := make([]cli.Flag, 0, len(fields))
	for _, f := range fields {
		flags = append(flags, &cli.StringFlag{
			Name:     f.flag,
			Usage:    f.usage,
			EnvVars:  []string{f.env},
			Category: "configuration",
		})
	}
	return flags
}

// FromContext builds a validated Config from parsed CLI flags.
func FromContext(cCtx *cli.Context) (*Config, error) {
	cfg, err := load(func(f field) (string, bool) {
		if !cCtx.IsSet(f.flag) {
			return "", false
		}
		return cCtx.String(f.flag), true
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
