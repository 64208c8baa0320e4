/*
Package main is the asppd executable.

The daemon exposes the task API and artifact downloads on the HTTP
port and Prometheus metrics on a separate port. The backend mode in
the configuration selects the storage adapters:

  - memory: everything in process, for development and tests
  - standalone: flat-file artifacts plus a file or SQLite task store
  - edge: Redis for both artifacts and tasks

Subcommands: serve, version, health. Build metadata is injected with
-ldflags "-X main.Version=... -X main.GitCommit=...".
*/
package main
