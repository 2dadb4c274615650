// Package cmd implements the command-line interface of kscan. It provides a
// hierarchical command structure for scanning a keyspace and inspecting keys.
//
// The package is organized into several subpackages:
//
//   - scan: Incremental scan of the keys matching a set of patterns (stream or tree output)
//   - key: Commands for single keys and namespaces (inspect, dbsize, list)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set as environment variables with the KSCAN_ prefix
// (e.g. KSCAN_URL=redis://localhost:6380/0), or in a .env file.
//
// See kscan -help for a list of all commands.
package cmd
