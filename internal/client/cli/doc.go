// Package cli provides the interactive msgvault command-line client.
//
// NewApp wires configuration, the metadata cache, the remote backend and the
// storage service. App.Run starts a background connectivity watcher, the
// optional Prometheus endpoint and a REPL that blocks until the user exits.
//
// Commands:
//   - upload, download, rm: move single files
//   - ls, lsr, stats: inspect the index
//   - mkdir, rmdir: manage folders
//   - migrate, sync: reconcile the index with the remote side
package cli
