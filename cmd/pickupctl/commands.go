package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/waste-pickup/internal/config"
	"github.com/example/waste-pickup/internal/geo"
	"github.com/example/waste-pickup/internal/logging"
	"github.com/example/waste-pickup/internal/matcher"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/projections"
	"github.com/example/waste-pickup/internal/storage"
)

// --- session ---

func newSessionCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start or refresh an anonymous session",
		Long: `Start or refresh an anonymous session. Reuses --session when given.

Examples:
  pickupctl session --name Aminah
  export PICKUP_SESSION=$(pickupctl session --name Aminah)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			body := map[string]string{"id": opts.session, "displayName": name}
			if err := opts.client().post("/api/v1/sessions", body, &raw); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			var u models.User
			if err := json.Unmarshal(raw, &u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

// --- jobs ---

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Post, list, claim and resolve pickup jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsGetCmd(opts),
		newJobsCreateCmd(opts),
		newTransitionCmd(opts, "claim", "Claim a PENDING job for this session"),
		newCompleteCmd(opts),
		newTransitionCmd(opts, "cancel", "Hand a COLLECTING job back to the pool"),
	)
	return cmd
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var status, requester, collector string
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, pending first and newest first",
		Long: `List jobs, pending first and newest first.

Examples:
  pickupctl jobs list --status pending
  pickupctl jobs list --mine`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if mine {
				if opts.session == "" {
					return errors.New("--mine needs --session")
				}
				requester = opts.session
			}
			if requester != "" {
				q.Set("requester", requester)
			}
			if collector != "" {
				q.Set("collector", collector)
			}
			path := "/api/v1/jobs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var raw json.RawMessage
			if err := opts.client().get(path, &raw); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			var resp struct {
				Jobs []models.Job `json:"jobs"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			loc, err := opts.location()
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), resp.Jobs, time.Now(), loc)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, collecting or done")
	cmd.Flags().StringVar(&requester, "requester", "", "only jobs posted by this session id")
	cmd.Flags().StringVar(&collector, "collector", "", "only jobs held by this session id")
	cmd.Flags().BoolVar(&mine, "mine", false, "only jobs posted by --session")
	return cmd
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if err := opts.client().get("/api/v1/jobs/"+url.PathEscape(args[0]), &raw); err != nil {
				return err
			}
			return opts.printJob(cmd.OutOrStdout(), raw)
		},
	}
}

func newJobsCreateCmd(opts *rootOptions) *cobra.Command {
	var d models.Draft
	var lat, lng string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a new pickup job",
		Long: `Post a new pickup job. Price is bags times the server's rate.

Examples:
  pickupctl jobs create --name Aminah --phone 0123456789 --bags 3 \
    --pickup 2026-03-10T15:00 --address "12 Jalan Ampang" --lat 3.1579 --lng 101.7116`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.session == "" {
				return errors.New("--session is required; run `pickupctl session` first")
			}
			gps, err := parseGPS(lat, lng)
			if err != nil {
				return err
			}
			d.GPS = gps

			var resp struct {
				ID  string          `json:"id"`
				Job json.RawMessage `json:"job"`
			}
			if err := opts.client().post("/api/v1/jobs", d, &resp); err != nil {
				return err
			}
			if len(resp.Job) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
				return nil
			}
			return opts.printJob(cmd.OutOrStdout(), resp.Job)
		},
	}
	f := cmd.Flags()
	f.StringVar(&d.Name, "name", "", "contact name")
	f.StringVar(&d.PhoneNumber, "phone", "", "contact phone number")
	f.StringVar(&d.Address, "address", "", "pickup address")
	f.StringVar(&lat, "lat", "", "latitude")
	f.StringVar(&lng, "lng", "", "longitude")
	f.StringVar(&d.PickupTime, "pickup", "", `pickup time, "HH:MM" or "2006-01-02T15:04"`)
	f.IntVar(&d.BagCount, "bags", 1, "number of bags")
	f.StringVar(&d.IdempotencyKey, "key", "", "idempotency key; repeating it returns the first job")
	return cmd
}

// newTransitionCmd builds claim and cancel, which differ only in the route.
func newTransitionCmd(opts *rootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.transition(cmd.OutOrStdout(), args[0], action, nil)
		},
	}
}

func newCompleteCmd(opts *rootOptions) *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "complete JOB_ID",
		Short: "Finish a COLLECTING job",
		Long: `Finish a COLLECTING job. --failed hands it back to the pool instead.

Examples:
  pickupctl jobs complete 6f1c...
  pickupctl jobs complete 6f1c... --failed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.transition(cmd.OutOrStdout(), args[0], "complete", map[string]bool{"success": !failed})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "the pickup did not happen")
	return cmd
}

func (o *rootOptions) transition(w io.Writer, id, action string, body any) error {
	if o.session == "" {
		return errors.New("--session is required")
	}
	var raw json.RawMessage
	if err := o.client().post("/api/v1/jobs/"+url.PathEscape(id)+"/"+action, body, &raw); err != nil {
		return err
	}
	return o.printJob(w, raw)
}

// --- nearby ---

func newNearbyCmd(opts *rootOptions) *cobra.Command {
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "nearby",
		Short: "Pending jobs closest to a point, by travel time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
			q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
			var raw json.RawMessage
			if err := opts.client().get("/api/v1/jobs/nearby?"+q.Encode(), &raw); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			var resp struct {
				Candidates []matcher.Candidate `json:"candidates"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			return printCandidates(cmd.OutOrStdout(), resp.Candidates)
		},
	}
	// Kuala Lumpur city centre.
	cmd.Flags().Float64Var(&lat, "lat", 3.1390, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 101.6869, "longitude")
	return cmd
}

// --- stats ---

type statsResponse struct {
	projections.Stats
	Requester *projections.RequesterStats `json:"requester"`
	Collector *projections.CollectorStats `json:"collector"`
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var requester, collector string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Job counts and earnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if requester != "" {
				q.Set("requester", requester)
			}
			if collector != "" {
				q.Set("collector", collector)
			}
			path := "/api/v1/stats"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var raw json.RawMessage
			if err := opts.client().get(path, &raw); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), raw)
			}
			var s statsResponse
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "add the requester panel for this session id")
	cmd.Flags().StringVar(&collector, "collector", "", "add the collector panel for this session id")
	return cmd
}

// --- reindex ---

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Redis geo index from the job store",
		Long: `Rebuild the Redis geo index from the job store. Reads the same
environment (or CONFIG_FILE) as the server and talks to the store directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return errors.New("REDIS_ADDR is not set; the in-memory index is rebuilt on server start")
			}
			logger := logging.NewLogger("pickupctl", cfg.LogLevel)

			st, err := storage.Open(storage.OpenOptions{
				Driver:    cfg.StoreDriver,
				SQLiteDir: cfg.SQLiteDir,
				PGDSN:     cfg.PGDSN,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			defer st.Close()
			rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			defer rc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			n, err := reindex(ctx, st, geo.NewRedisIndex(rc, cfg.RedisGeoKey))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d pending jobs into %s\n", n, cfg.RedisGeoKey)
			return nil
		},
	}
}

type resettable interface {
	geo.Index
	Reset(ctx context.Context) error
}

func reindex(ctx context.Context, jobs storage.JobStore, idx resettable) (int, error) {
	pending, err := jobs.List(ctx, storage.Filter{Status: models.StatusPending})
	if err != nil {
		return 0, fmt.Errorf("listing pending jobs: %w", err)
	}
	if err := idx.Reset(ctx); err != nil {
		return 0, fmt.Errorf("clearing index: %w", err)
	}
	return geo.Rebuild(ctx, idx, pending)
}

func parseGPS(lat, lng string) (models.GPS, error) {
	var g models.GPS
	var err error
	if g.Lat, err = models.ParseCoordinate(lat); err != nil {
		return g, fmt.Errorf("--lat: %w", err)
	}
	if g.Lng, err = models.ParseCoordinate(lng); err != nil {
		return g, fmt.Errorf("--lng: %w", err)
	}
	return g, nil
}

func (o *rootOptions) printJob(w io.Writer, raw json.RawMessage) error {
	if o.json {
		return printJSON(w, raw)
	}
	var j models.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return err
	}
	loc, err := o.location()
	if err != nil {
		return err
	}
	return printJobDetail(w, j, time.Now(), loc)
}
