package main

import (
	"github.com/spf13/cobra"

	configpkg "github.com/drblury/messagebus/internal/runtime/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.load()
			if validate {
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			out, err := configpkg.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "fail when the configuration is invalid")
	return cmd
}
