package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JTOne123/elephant/internal/api"
)

var dequeueWait time.Duration

func init() {
	dequeueCmd.Flags().DurationVar(&dequeueWait, "wait", 0, "How long to wait for an item (0 tries once)")
	rootCmd.AddCommand(enqueueCmd, dequeueCmd, lengthCmd, listCmd)
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> [payload]",
	Short: "Enqueue a payload, reading stdin when the payload is omitted or -",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload io.Reader
		if len(args) == 2 && args[1] != "-" {
			payload = strings.NewReader(args[1])
		} else {
			payload = cmd.InOrStdin()
		}

		resp, err := http.Post(
			apiURL("/api/v1/queues/"+args[0]+"/items"),
			"application/octet-stream",
			payload,
		)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("enqueue failed: %s", respError(resp))
		}
		return nil
	},
}

var dequeueCmd = &cobra.Command{
	Use:   "dequeue <queue>",
	Short: "Dequeue one item and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := apiURL("/api/v1/queues/" + args[0] + "/dequeue")
		if dequeueWait > 0 {
			u += "?wait=" + dequeueWait.String()
		}

		client := &http.Client{Timeout: dequeueWait + 30*time.Second}
		resp, err := client.Post(u, "", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			_, err := io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		case http.StatusNoContent:
			return fmt.Errorf("queue %q is empty", args[0])
		default:
			return fmt.Errorf("dequeue failed: %s", respError(resp))
		}
	},
}

var lengthCmd = &cobra.Command{
	Use:   "length <queue>",
	Short: "Print the number of items in a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(apiURL("/api/v1/queues/" + args[0] + "/length"))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("length lookup failed: %s", respError(resp))
		}

		var lr api.LengthResponse
		if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), lr.Length)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queues known to the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(apiURL("/api/v1/queues"))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("list failed: %s", respError(resp))
		}

		var ql api.QueueListResponse
		if err := json.NewDecoder(resp.Body).Decode(&ql); err != nil {
			return err
		}
		for _, name := range ql.Queues {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}
