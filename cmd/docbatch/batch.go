package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/docbatch/internal/client"
	"github.com/kiranshivaraju/docbatch/internal/summary"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

func newBatchCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Start and manage document fetch batches",
	}
	cmd.AddCommand(
		newBatchStartCmd(opts),
		newBatchStatusCmd(opts),
		newBatchJobsCmd(opts),
		newBatchRetryCmd(opts),
		newBatchCancelCmd(opts),
		newBatchClearCmd(opts),
		newAutoResumeCmd(opts),
	)
	return cmd
}

func newBatchStartCmd(opts *globalOptions) *cobra.Command {
	var (
		all       bool
		scheduled bool
		period    windowFlags
		wait      waitFlags
	)
	cmd := &cobra.Command{
		Use:   "start [company-id...]",
		Short: "Fetch documents for the given companies",
		Long: "Start one fetch job per company. Without a period the fetch is incremental, " +
			"continuing from each company's last stored document.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			ids, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			if all {
				companies, err := c.ListCompanies(ctx)
				if err != nil {
					return err
				}
				for _, co := range companies {
					ids = append(ids, co.ID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no companies given: pass company ids or --all")
			}

			req := client.StartBatchRequest{CompanyIDs: ids, Window: period.window()}
			if req.Window != nil {
				req.Mode = string(models.ModeFixedRange)
			}
			if scheduled {
				req.Kind = string(models.JobKindScheduled)
			}
			records, err := c.StartBatch(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Started %d job(s)\n", len(records))

			if !wait.wait {
				return nil
			}
			sum, err := c.WaitBatch(ctx, wait.options())
			if sum != nil {
				printSummary(out, sum)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Fetch for every registered company")
	cmd.Flags().BoolVar(&scheduled, "scheduled", false, "Mark the batch as started by a scheduler")
	period.bind(cmd.Flags())
	wait.bind(cmd.Flags(), "batch")
	return cmd
}

func newBatchStatusCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest batch summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			summarize := c.Summary
			if all {
				summarize = c.SummaryAll
			}
			sum, err := summarize(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Summarize every kept job, not just the latest batch")
	return cmd
}

func printSummary(w io.Writer, s *summary.Summary) {
	tw := newTable(w)
	fmt.Fprintf(tw, "Jobs:\t%d\n", s.Total)
	fmt.Fprintf(tw, "Still to process:\t%d\t(queued %d, running %d, resuming %d)\n", s.StillToProcess, s.Queued, s.Running, s.Resuming)
	fmt.Fprintf(tw, "Completed:\t%d\t(with documents %d, without %d)\n", s.Completed, s.CompletedWithDocuments, s.CompletedWithoutDocuments)
	fmt.Fprintf(tw, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(tw, "Certificate expired:\t%d\n", s.CertificateExpired)
	fmt.Fprintf(tw, "Cancelled:\t%d\n", s.Cancelled)
	fmt.Fprintf(tw, "Documents:\t%d\t(new %d, attachments %d, attachment errors %d)\n",
		s.DocumentsFetched, s.NewDocuments, s.AttachmentsFetched, s.AttachmentErrors)
	fmt.Fprintf(tw, "Success:\t%d%%\n", s.SuccessPercent)
	fmt.Fprintf(tw, "Elapsed:\t%ds\n", s.ElapsedSeconds)
	tw.Flush()

	if len(s.Failures) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "FAILURE\tJOBS\tSAMPLE")
	for _, g := range s.Failures {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", g.Label, g.Count, g.Sample)
	}
	tw.Flush()
}

func newBatchJobsCmd(opts *globalOptions) *cobra.Command {
	var (
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List job records, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			filter := make([]models.JobStatus, len(statuses))
			for i, s := range statuses {
				filter[i] = models.JobStatus(s)
			}
			jobs, err := c.ListJobs(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tCOMPANY\tSTATUS\tSTEP\tPROGRESS\tDOCS\tFINISHED\tERROR")
			for _, j := range jobs {
				company := "-"
				if j.ClientID != nil {
					company = shortID(*j.ClientID)
				}
				msg := ""
				if j.ErrorMessage != nil {
					msg = firstLine(*j.ErrorMessage)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\t%s\n",
					j.ID, company, j.Status, j.Step, j.Percent, j.DocumentsFetched, formatTime(j.FinishedAt), msg)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses (queued, running, resuming, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to list")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

func newBatchRetryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id]",
		Short: "Retry one job, or every failed and cancelled job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				ids, err := c.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Retrying %d job(s)\n", len(ids))
				return nil
			}
			ids, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			rec, err := c.RetryJob(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Retrying job %s (%s)\n", rec.ID, rec.Status)
			return nil
		},
	}
}

func newBatchCancelCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel one job, or every active job with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a job id or --all")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if all {
				n, err := c.CancelAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Cancelled %d job(s)\n", n)
				return nil
			}
			ids, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			ok, err := c.CancelJob(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(out, "Cancelled job %s\n", ids[0])
			} else {
				fmt.Fprintf(out, "Job %s was not active\n", ids[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Cancel every active job")
	return cmd
}

func newBatchClearCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete finished job records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			n, err := c.ClearHistory(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s)\n", n)
			return nil
		},
	}
}

func newAutoResumeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auto-resume",
		Short: "Show automatic retry progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ar, err := c.AutoResume(cmd.Context())
			if err != nil {
				return err
			}
			rounds := fmt.Sprintf("%d/%d", ar.Round, ar.MaxRounds)
			if ar.Unbounded {
				rounds = fmt.Sprintf("%d (unbounded)", ar.Round)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "Phase:\t%s\n", ar.Phase)
			fmt.Fprintf(tw, "Round:\t%s\n", rounds)
			fmt.Fprintf(tw, "Resumed:\t%d\n", ar.ResumedCount)
			fmt.Fprintf(tw, "Still failing:\t%d\n", ar.FailedCount)
			fmt.Fprintf(tw, "Pending:\t%d\n", ar.PendingCount)
			fmt.Fprintf(tw, "Active jobs:\t%d\n", len(ar.ActiveJobIDs))
			fmt.Fprintf(tw, "Next attempt:\t%s\n", formatTime(ar.NextAttemptAt))
			return tw.Flush()
		},
	}
}
