// Package cli implements the trainsync command line.
//
// The root command loads the YAML config and wires the store, feed fetcher,
// reconciler and sync pipeline. Subcommands run the long-lived service
// (serve), one-off syncs (sync, sweep), a dry-run expansion of a local
// .ics file (expand) and API token hashing (hash-token).
package cli
