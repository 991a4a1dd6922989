package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pixelforge/studiosync/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List active generation jobs",
	Long: `Fetch and list the active jobs in display priority order:
processing first, then queued, paused, and historical states, newest first
within each bucket.`,
	RunE: runJobs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := newStudio()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Refresh(ctx); err != nil {
		return err
	}

	jobs := st.SortedActiveJobs()
	if len(jobs) == 0 {
		fmt.Println("no active jobs")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %8s  %-9s  %s\n", "JOB", "STATUS", "PROGRESS", "ETA", "PROMPT")
	for _, j := range jobs {
		eta := "-"
		if j.ETA != nil {
			eta = jobstore.FormatDuration(*j.ETA)
		}
		fmt.Printf("%-36s  %-10s  %7d%%  %-9s  %s\n",
			j.ID, j.Status, j.Progress, eta, truncate(j.Params.Prompt, 48))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
