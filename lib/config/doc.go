// Package config reads node configuration through viper.
//
// Values come from, in increasing priority: the built-in Defaults, the yaml
// file ($HOME/.go-vnet/config.yaml unless --config names another), and
// VNET_-prefixed environment variables (VNET_PORT, VNET_STORE_DIR, ...).
// A missing default file is created from the defaults on first start.
//
// Timing tunables are milliseconds, matching the node's clock.
package config
