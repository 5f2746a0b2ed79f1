package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JTOne123/elephant/pkg/version"
)

var addr string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "elephantctl",
	Short: "Command line client for the elephant queue daemon",
	Long: `elephantctl talks to a running elephantd: enqueue and dequeue items
on named queues, inspect queue lengths, and watch bus topics live.`,
	Version: fmt.Sprintf("%s (commit: %s)", version.Version, version.CommitHash),
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "Base URL of the elephantd API")
}

func apiURL(path string) string {
	return strings.TrimRight(addr, "/") + path
}

// busURL derives the WebSocket bus endpoint from the API address.
func busURL() (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse addr %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in addr", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/bus"
	return u.String(), nil
}

func respError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}
