// Package config provides application configuration management.
//
// Configuration is read from config.yaml (in . or ./config, or an explicit
// path) with viper, overridden by CRATEBOX_* environment variables such as
// CRATEBOX_SANDBOX_BACKEND=docker, and validated before use. Sizes accept
// human readable values like 512MiB or 2GB.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Workspace root: %s\n", cfg.Workspace.Root)
package config
