// Command pickupctl drives the waste-pickup API from a terminal: start a
// session, post and list jobs, claim and resolve them, and rebuild the
// geo index.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	server  string
	session string
	json    bool
	zone    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pickupctl",
		Short:         "Command line client for the waste-pickup service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("PICKUP_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.session, "session", os.Getenv("PICKUP_SESSION"), "session id sent as "+sessionHeader)
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")
	root.PersistentFlags().StringVar(&opts.zone, "tz", envOr("PICKUP_TZ", "Local"), "zone for pickup times")

	root.AddCommand(
		newSessionCmd(opts),
		newJobsCmd(opts),
		newNearbyCmd(opts),
		newStatsCmd(opts),
		newReindexCmd(),
	)
	return root
}

func (o *rootOptions) client() *apiClient { return newAPIClient(o.server, o.session) }

func (o *rootOptions) location() (*time.Location, error) {
	loc, err := time.LoadLocation(o.zone)
	if err != nil {
		return nil, fmt.Errorf("--tz: %w", err)
	}
	return loc, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
