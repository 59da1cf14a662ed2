// Command statuswatch follows the live status of one or more streams,
// printing every update as a JSON line.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/statusclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		baseURL      string
		pollInterval time.Duration
		pollTimeout  time.Duration
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:           "statuswatch <stream-key>...",
		Short:         "Follow live stream status updates",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if verbose {
				level = "debug"
			}
			logger := log.New(log.Config{Level: level, Pretty: true, Output: cmd.ErrOrStderr()})

			client := statusclient.New(statusclient.Config{
				BaseURL:      baseURL,
				PollInterval: pollInterval,
				PollTimeout:  pollTimeout,
			}, statusclient.WithLogger(logger))
			defer client.Close()

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(v interface{}) {
				mu.Lock()
				defer mu.Unlock()
				enc.Encode(v)
			}

			for _, key := range args {
				client.Subscribe(key, func(u domain.StatusUpdate) {
					emit(u)
				}, statusclient.OnStateChange(func(s statusclient.State) {
					logger.Info().Str(log.FieldStreamKey, key).Str(log.FieldState, s.String()).Msg("transport state changed")
					if s == statusclient.Connecting || s == statusclient.Polling {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", key, s)
					}
				}))
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8090", "stream status service base URL")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 10*time.Second, "status poll interval after push fallback")
	cmd.Flags().DurationVar(&pollTimeout, "poll-timeout", 8*time.Second, "timeout of one status poll")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	return cmd
}
