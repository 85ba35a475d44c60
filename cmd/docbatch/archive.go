package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/docbatch/internal/client"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

func newArchiveCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Package stored documents into zip archives",
	}
	cmd.AddCommand(
		newArchiveStartCmd(opts),
		newArchiveStatusCmd(opts),
		newArchiveCancelCmd(opts),
		newArchiveDownloadCmd(opts),
	)
	return cmd
}

func newArchiveStartCmd(opts *globalOptions) *cobra.Command {
	var (
		types       []string
		attachments bool
		outDir      string
		period      windowFlags
		wait        waitFlags
	)
	cmd := &cobra.Command{
		Use:   "start company-id...",
		Short: "Build a zip of the given companies' documents",
		Long: "Build a zip archive. Small requests are answered with the file directly; " +
			"larger ones run in the background and can be polled with --wait.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ids, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			res, err := c.StartArchive(ctx, client.ArchiveRequest{
				CompanyIDs:         ids,
				Window:             period.window(),
				Types:              types,
				IncludeAttachments: attachments,
			})
			if err != nil {
				return err
			}

			switch {
			case res.Data != nil:
				path, err := writeArchive(outDir, res.FileName, res.Data)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Saved %s\n", path)
				return nil
			case res.Job == nil:
				fmt.Fprintln(out, res.Message)
				return nil
			}

			fmt.Fprintf(out, "Archive job %s started for %d companies\n", res.Job.ID, res.Job.TotalCompanies)
			if !wait.wait {
				return nil
			}
			job, err := c.WaitArchive(ctx, res.Job.ID, wait.options())
			if err != nil {
				return err
			}
			printArchiveJob(out, job)
			if job.Status != models.ArchiveStatusCompleted || job.DocumentCount == 0 {
				return nil
			}
			path, err := downloadArchive(cmd, c, job, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Saved %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "types", nil, "Document types to include (service_invoice, waybill)")
	cmd.Flags().BoolVar(&attachments, "attachments", false, "Include PDF attachments")
	cmd.Flags().StringVarP(&outDir, "output-dir", "o", ".", "Directory the zip is saved to")
	period.bind(cmd.Flags())
	wait.bind(cmd.Flags(), "archive")
	return cmd
}

func printArchiveJob(w io.Writer, j *models.ArchiveJob) {
	tw := newTable(w)
	fmt.Fprintf(tw, "Job:\t%s\n", j.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", j.Status)
	fmt.Fprintf(tw, "Companies:\t%d/%d\t(with documents %d, without %d)\n",
		j.ProcessedCompanies, j.TotalCompanies, j.CompaniesWithDocuments, j.CompaniesWithoutDocuments)
	if j.CurrentCompany != "" {
		fmt.Fprintf(tw, "Current:\t%s\n", j.CurrentCompany)
	}
	fmt.Fprintf(tw, "Documents:\t%d\n", j.DocumentCount)
	fmt.Fprintf(tw, "Errors:\t%d\n", j.ErrorCount)
	if j.Message != "" {
		fmt.Fprintf(tw, "Message:\t%s\n", j.Message)
	}
	tw.Flush()
}

func newArchiveStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status job-id",
		Short: "Show an archive job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ids, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			job, err := c.ArchiveStatus(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			printArchiveJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newArchiveCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel job-id",
		Short: "Cancel a running archive job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ids, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			job, err := c.CancelArchive(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archive job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func newArchiveDownloadCmd(opts *globalOptions) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "download job-id",
		Short: "Save a finished archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ids, err := parseUUIDs(args)
			if err != nil {
				return err
			}
			job, err := c.ArchiveStatus(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			path, err := downloadArchive(cmd, c, job, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "output-dir", "o", ".", "Directory the zip is saved to")
	return cmd
}

func writeArchive(dir, name string, data []byte) (string, error) {
	if name == "" {
		return "", errors.New("server sent an archive without a file name")
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save archive: %w", err)
	}
	return path, nil
}

// downloadArchive streams the job's zip to a temporary file and renames it
// into place once complete.
func downloadArchive(cmd *cobra.Command, c *client.Client, job *models.ArchiveJob, dir string) (string, error) {
	name := job.FileName
	if name == "" {
		name = job.ID.String() + ".zip"
	}
	path := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, ".docbatch-*.zip.part")
	if err != nil {
		return "", fmt.Errorf("save archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := c.DownloadArchive(cmd.Context(), job.ID, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("save archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("save archive: %w", err)
	}
	return path, nil
}
