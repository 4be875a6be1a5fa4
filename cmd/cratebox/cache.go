package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isdmx/cratebox/crates"
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <source>...",
	Short: "Download crate sources into the cache without building them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := parseSources(args)
		if err != nil {
			return err
		}
		return withEngine(func(e engine) error {
			for _, src := range sources {
				if err := e.builds.Fetcher().Prefetch(cmd.Context(), src); err != nil {
					return err
				}
				fmt.Printf("%s cached\n", src)
			}
			return nil
		})
	},
}

var (
	purgeCaches     bool
	purgeToolchains bool
	purgeBuilds     bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge [source...]",
	Short: "Remove cached sources, toolchains or leftover build directories",
	Long: `Remove workspace state. Given sources, only their cache entries are removed.

Examples:
  cratebox purge registry:serde@1.0.200
  cratebox purge --caches --builds
  cratebox purge --toolchains`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := parseSources(args)
		if err != nil {
			return err
		}
		if len(sources) == 0 && !purgeCaches && !purgeToolchains && !purgeBuilds {
			return errors.New("nothing to purge: pass sources or --caches, --toolchains, --builds")
		}

		return withEngine(func(e engine) error {
			ctx := cmd.Context()
			ws := e.builds.Workspace()
			for _, src := range sources {
				if err := e.builds.Fetcher().PurgeFromCache(ctx, src); err != nil {
					return err
				}
				fmt.Printf("%s purged\n", src)
			}
			if purgeCaches {
				if err := ws.PurgeCaches(ctx); err != nil {
					return err
				}
				fmt.Println("caches purged")
			}
			if purgeToolchains {
				if err := ws.PurgeToolchains(ctx); err != nil {
					return err
				}
				fmt.Println("toolchains purged")
			}
			if purgeBuilds {
				n, err := ws.PurgeStaleBuilds(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d stale build directories removed\n", n)
			}
			return nil
		})
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeCaches, "caches", false, "remove every cached crate source")
	purgeCmd.Flags().BoolVar(&purgeToolchains, "toolchains", false, "remove every installed toolchain")
	purgeCmd.Flags().BoolVar(&purgeBuilds, "builds", false, "remove build directories left by crashed runs")
}

func parseSources(args []string) ([]crates.Source, error) {
	sources := make([]crates.Source, 0, len(args))
	for _, arg := range args {
		src, err := crates.ParseSource(arg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
