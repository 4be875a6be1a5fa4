package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/isdmx/cratebox/toolchain"
)

var toolchainCmd = &cobra.Command{
	Use:   "toolchain",
	Short: "Manage toolchains in the workspace",
}

var toolchainInstallCmd = &cobra.Command{
	Use:   "install <toolchain>...",
	Short: "Install toolchains such as stable, 1.79.0 or nightly-2024-05-01",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseSpecs(args)
		if err != nil {
			return err
		}
		return withEngine(func(e engine) error {
			for _, spec := range specs {
				if err := e.builds.Toolchains().Install(cmd.Context(), spec); err != nil {
					return err
				}
				fmt.Printf("%s installed\n", spec)
			}
			return nil
		})
	},
}

var toolchainUninstallCmd = &cobra.Command{
	Use:   "uninstall <toolchain>...",
	Short: "Remove installed toolchains",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseSpecs(args)
		if err != nil {
			return err
		}
		return withEngine(func(e engine) error {
			for _, spec := range specs {
				if err := e.builds.Toolchains().Uninstall(cmd.Context(), spec); err != nil {
					return err
				}
				fmt.Printf("%s removed\n", spec)
			}
			return nil
		})
	},
}

var toolchainUpdateCmd = &cobra.Command{
	Use:   "update <toolchain>...",
	Short: "Update installed channel toolchains to their latest release",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseSpecs(args)
		if err != nil {
			return err
		}
		return withEngine(func(e engine) error {
			for _, spec := range specs {
				if err := e.builds.Toolchains().Update(cmd.Context(), spec); err != nil {
					return err
				}
				fmt.Printf("%s updated\n", spec)
			}
			return nil
		})
	},
}

var toolchainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed toolchains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(func(e engine) error {
			installed, err := e.builds.Toolchains().ListInstalled(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOOLCHAIN\tINSTALLED")
			for _, tc := range installed {
				fmt.Fprintf(w, "%s\t%s\n", tc.Spec, tc.InstalledAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

func init() {
	toolchainCmd.AddCommand(toolchainInstallCmd, toolchainUpdateCmd, toolchainUninstallCmd, toolchainListCmd)
}

func parseSpecs(args []string) ([]toolchain.Spec, error) {
	specs := make([]toolchain.Spec, 0, len(args))
	for _, arg := range args {
		spec, err := toolchain.ParseSpec(arg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
