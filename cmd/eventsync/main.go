// Command eventsync copies a date range of analytics events from the remote
// export service into a local table.
//
//	eventsync --config jobs/nightly.yaml
//	eventsync --config jobs/nightly.yaml --from 2024-01-01 --to 2024-01-21 --append
//	eventsync --config jobs/nightly.yaml --validate
//
// Progress is written to stderr and the final report to stdout as JSON. The
// exit status is 0 when every chunk succeeded, 3 when some chunks failed and
// 1 when the fetch failed as a whole.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	// register all backends with the storage factory.
	_ "eventsync/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
