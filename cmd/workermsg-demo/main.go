// Command workermsg-demo spawns a ring of worker threads, which pass
// messages to each other through the coordinator, and reports the outcome
// of every send.
//
// Flags may also be set with WORKERMSG_* environment variables, e.g.
// WORKERMSG_WORKERS=8.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logOutput io.Writer) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "workermsg-demo",
		Short:         "Exchange messages between threads by id",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			logger := stumpy.L.New(
				stumpy.L.WithStumpy(stumpy.WithWriter(logOutput)),
				stumpy.L.WithLevel(level),
			).Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			summary, err := run(ctx, logger, config{
				Workers: v.GetInt("workers"),
				Rounds:  v.GetInt("rounds"),
				Timeout: v.GetDuration("timeout"),
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "delivered=%d failed=%d\n", summary.Delivered, summary.Failed)
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntP("workers", "w", 4, "number of worker threads")
	flags.IntP("rounds", "r", 3, "messages each worker sends to its neighbour")
	flags.DurationP("timeout", "t", time.Second, "per message delivery timeout, 0 to wait indefinitely")
	flags.String("log-level", logiface.LevelInformational.String(), "log level (emerg, alert, crit, err, warning, notice, info, debug, trace)")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix("WORKERMSG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.SetContext(context.Background())
	return cmd
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelEmergency; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}
