package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/example/waste-pickup/internal/matcher"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/projections"
)

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func printJobs(w io.Writer, jobs []models.Job, now time.Time, loc *time.Location) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "no jobs")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tBAGS\tPRICE\tPICKUP\tDUE\tADDRESS")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			j.ID,
			projections.StatusLabel(j.Status),
			j.BagCount,
			j.TotalPrice,
			projections.FormatPickupTime(j.PickupTime, loc),
			due(j, now, loc),
			projections.FormatAddress(j.Address, j.GPS),
		)
	}
	return tw.Flush()
}

func printJobDetail(w io.Writer, j models.Job, now time.Time, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(tw, "%s\t%s\n", k, v) }
	row("ID", j.ID)
	row("Status", projections.StatusLabel(j.Status))
	row("Requester", j.RequesterID)
	if j.CollectorID != "" {
		row("Collector", j.CollectorID)
	}
	row("Name", j.Name)
	row("Phone", j.PhoneNumber)
	row("Address", projections.FormatAddress(j.Address, j.GPS))
	row("Pickup", projections.FormatPickupTime(j.PickupTime, loc))
	row("Due", due(j, now, loc))
	row("Bags", fmt.Sprint(j.BagCount))
	row("Price", fmt.Sprint(j.TotalPrice))
	return tw.Flush()
}

// due is "-" for finished jobs and unreadable pickup times.
func due(j models.Job, now time.Time, loc *time.Location) string {
	if j.Status == models.StatusDone {
		return "-"
	}
	r, err := projections.TimeRemaining(j.PickupTime, now, loc)
	if err != nil {
		return "-"
	}
	return projections.FormatRemaining(r)
}

func printCandidates(w io.Writer, cands []matcher.Candidate) error {
	if len(cands) == 0 {
		_, err := fmt.Fprintln(w, "no pending jobs nearby")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDISTANCE\tETA\tBAGS\tPRICE\tADDRESS")
	for _, c := range cands {
		fmt.Fprintf(tw, "%s\t%.1f km\t%s\t%d\t%d\t%s\n",
			c.Job.ID,
			c.DistanceM/1000,
			(time.Duration(c.ETASeconds) * time.Second).Round(time.Minute),
			c.Job.BagCount,
			c.Job.TotalPrice,
			projections.FormatAddress(c.Job.Address, c.Job.GPS),
		)
	}
	return tw.Flush()
}

func printStats(w io.Writer, s statsResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Total\t%d\n", s.Total)
	fmt.Fprintf(tw, "Pending\t%d\n", s.Pending)
	fmt.Fprintf(tw, "Collecting\t%d\n", s.Collecting)
	fmt.Fprintf(tw, "Completed\t%d\n", s.Done)
	fmt.Fprintf(tw, "Earnings\t%d\n", s.Earnings)
	if r := s.Requester; r != nil {
		fmt.Fprintf(tw, "Requester\t%d posted, %d completed, %d waiting\n", r.Total, r.Completed, r.Waiting)
	}
	if c := s.Collector; c != nil {
		fmt.Fprintf(tw, "Collector\t%d completed, %d earned\n", c.Completed, c.Earned)
	}
	return tw.Flush()
}
