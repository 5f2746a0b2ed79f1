package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JTOne123/elephant/pkg/bus/wsbus"
	"github.com/JTOne123/elephant/pkg/version"
)

func init() {
	rootCmd.AddCommand(watchCmd, versionCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <topic>",
	Short: "Subscribe to a bus topic and print messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wsURL, err := busURL()
		if err != nil {
			return err
		}

		client, err := wsbus.Dial(ctx, wsURL)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
		}()

		topic := args[0]
		out := cmd.OutOrStdout()
		sub, err := client.Subscribe(ctx, topic, func(ctx context.Context, payload []byte) {
			fmt.Fprintf(out, "[%s] %s\n", topic, payload)
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		fmt.Fprintf(os.Stderr, "Watching %s (ctrl-c to stop)\n", topic)
		<-ctx.Done()
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("elephantctl version %s (commit: %s, built at: %s)\n",
			version.Version,
			version.CommitHash,
			version.BuildTime)
	},
}
