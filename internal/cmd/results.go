package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "List recent generation results",
	RunE:  runResults,
}

var resultsHistory bool

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().BoolVar(&resultsHistory, "history", false, "Use the wider history cap (50 instead of 10)")
}

func runResults(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := newStudio()
	if err != nil {
		return err
	}
	defer st.Close()

	st.SetHistoryView(resultsHistory)
	if err := st.Refresh(ctx); err != nil {
		return err
	}

	results := st.RecentResults()
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}

	fmt.Printf("%-36s  %-9s  %7s  %s\n", "RESULT", "SIZE", "TIME", "PROMPT")
	for _, r := range results {
		fmt.Printf("%-36s  %4dx%-4d  %6.1fs  %s\n",
			r.ID, r.Width, r.Height, r.GenerationTime, truncate(r.Prompt, 48))
	}
	return nil
}
