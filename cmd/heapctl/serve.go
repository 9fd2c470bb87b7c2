package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/heapkit/heapview"
)

func (o *app) serveCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Relay heap snapshots over HTTP and websockets",
		Long: `Serve JSON snapshots of the heap on --listen until interrupted.

Routes:
  GET  /heap     latest snapshot
  POST /refresh  re-run the query and publish the result
       /ws       websocket receiving every published snapshot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			srv, err := o.newServer()
			if err != nil {
				return err
			}

			if interval > 0 {
				go o.refreshEvery(ctx, srv, interval)
			}

			err = srv.ListenAndServe(ctx, o.opts.Listen)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Re-run the query this often (0 disables)")

	return cmd
}

// newServer returns a relay with an initial snapshot, if one could
// be built.
func (o *app) newServer() (*heapview.Server, error) {
	srv, err := heapview.NewServer(heapview.ServerConfig{
		Source:    o.snapshot,
		OptLogger: o.logger,
	})
	if err != nil {
		return nil, err
	}

	_, err = srv.Refresh()
	if err != nil {
		o.logger.Warn("initial snapshot failed", "error", err)
	}

	return srv, nil
}

func (o *app) refreshEvery(ctx context.Context, srv *heapview.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := srv.Refresh()
			if err != nil {
				o.logger.Debug("periodic refresh failed", "error", err)
			}
		}
	}
}
