package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"httprelay/internal/har"
	"httprelay/internal/observer"
	"httprelay/internal/store"
	"httprelay/internal/types"
)

func newWatchCmd() *cobra.Command {
	var (
		hubURL   string
		harPath  string
		selectID string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Observe the hub and print the correlated traffic timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("hub") {
				cfg.Watch.HubURL = hubURL
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st := store.New(store.WithLogger(logger))
			if selectID != "" {
				st.Select(selectID)
			}
			sess, err := observer.Dial(ctx, cfg.Watch.HubURL, observer.Options{
				Logger: logger,
				Store:  st,
				OnStatus: func(s observer.Status) {
					logger.Info("observer status", "status", s)
				},
			})
			if err != nil {
				return err
			}

			updates, cancel := st.Subscribe()
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				tl := &timeline{w: cmd.OutOrStdout(), seen: make(map[string]types.PairState)}
				for snap := range updates {
					tl.render(snap)
				}
			}()

			runErr := sess.Run(ctx)
			cancel()
			<-printed

			stats := st.Stats()
			logger.Info("observer stopped",
				"pairs", stats.Pairs,
				"pending", stats.Pending,
				"unknown_correlation", stats.UnknownCorrelation,
			)
			if harPath != "" {
				if err := writeHAR(harPath, st.CurrentPairs()); err != nil {
					return err
				}
				logger.Info("wrote har", "path", harPath, "entries", stats.Pairs)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&hubURL, "hub", "", "hub websocket URL")
	cmd.Flags().StringVar(&harPath, "har", "", "write the collected pairs to this HAR file on exit")
	cmd.Flags().StringVar(&selectID, "select", "", "pin the selection to this request id")
	return cmd
}

// timeline prints one line per new request and one per completed pair.
type timeline struct {
	w        io.Writer
	seen     map[string]types.PairState
	selected string
}

func (t *timeline) render(snap store.Snapshot) {
	// Snapshots list newest first.
	for i := len(snap.Pairs) - 1; i >= 0; i-- {
		p := snap.Pairs[i]
		prev, ok := t.seen[p.ID]
		state := p.State()
		if ok && prev == state {
			continue
		}
		t.seen[p.ID] = state
		switch state {
		case types.Pending:
			fmt.Fprintf(t.w, "%s  %-7s %s  %s\n", p.ID, p.Request.Method, p.Request.Endpoint, state)
		case types.Completed:
			fmt.Fprintf(t.w, "%s  %-7s %s  %s%s\n", p.ID, p.Request.Method, p.Request.Endpoint, state, outcome(p.Response))
		}
	}
	if snap.SelectedID != "" && snap.SelectedID != t.selected {
		t.selected = snap.SelectedID
		fmt.Fprintf(t.w, "selected %s\n", snap.SelectedID)
	}
}

func outcome(r *types.ResponseEvent) string {
	if r == nil {
		return ""
	}
	if r.OK != nil && !*r.OK {
		return " (not ok)"
	}
	return ""
}

func writeHAR(path string, pairs []types.TrafficPair) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(har.FromPairs(pairs, time.Now())); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
