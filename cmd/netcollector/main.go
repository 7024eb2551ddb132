// Package main is the netcollector entrypoint.
//
// Architecture overview:
//   - Transport: internal/transport/cdp attaches to Chrome over the DevTools protocol and turns Network domain
//     events into request-start and field-update notifications. Bodies and post data are pulled on demand through a
//     rate limiter; everything else is served from the events themselves.
//   - Correlation: internal/correlator fetches each (request, kind) at most once per session through a memoizing
//     fetch cache, fills long-string placeholders, and tracks every in-flight fetch in a pending group.
//   - Page load: internal/quiescence waits for the pending group to drain and stay quiet for the idle window, with an
//     optional absolute timeout that forces a result.
//   - Persistence & fanout: snapshots go to the configured blob store (memory/local/GCS), are indexed in Postgres
//     when a DSN is set, and announced on Pub/Sub when a topic is set. Progress events are batched to log,
//     Prometheus and session-history sinks.
//   - Configuration & plumbing: Viper reads a config file, a .env file and NETCOLLECTOR_* variables; zap logs,
//     optionally teed into a rotated file; Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Serve the API against a local Chrome: netcollector serve --url https://example.com
//   - Try the API without a browser: netcollector serve --demo
//   - Collect one page: netcollector collect https://example.com --export
package main

import (
	"context"
	"os"

	"github.com/JakeFAU/netcollector/cmd"
)

func main() {
	os.Exit(cmd.Execute(context.Background()))
}
