package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/build-cache-node/config"
)

func newConfigCmd(opts *serveOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the node configuration",
	}

	var show bool

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			effective, err := config.NewLoader().Load(ctx, opts.configPath, opts.overrides(cmd.Flags())...)
			if err != nil {
				return failed(err)
			}

			if show {
				effective.Auth.Password = redact(effective.Auth.Password)
				for i := range effective.Auth.Users {
					effective.Auth.Users[i].Password = redact(effective.Auth.Users[i].Password)
				}

				data, err := yaml.Marshal(effective)
				if err != nil {
					return failed(err)
				}
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	validateCmd.Flags().BoolVar(&show, "show", false, "print the effective configuration")
	configCmd.AddCommand(validateCmd)

	return configCmd
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
