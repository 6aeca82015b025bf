// Package indexer is the public entry point for embedding ziri as a
// library rather than driving it through the CLI.
//
// It wires the internal components — repository store, file scanner,
// embedding provider, and concurrent pipeline — behind a small facade:
//
//	ix, err := indexer.New(indexer.Options{Config: cfg, Provider: provider})
//	if err != nil {
//	    return err
//	}
//	report, err := ix.Index(ctx, "/path/to/repo", sink)
//
// The facade also owns the provider-switch migration: when the
// configured provider's embedding dimensions differ from what a
// repository was last indexed with, Index re-embeds every chunk and
// only commits the new dimensions after the run completes. A cancelled
// migration rolls back to the previous vector set.
package indexer
