package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pixelforge/studiosync/pkg/event"
	"github.com/pixelforge/studiosync/pkg/jobstore"
	"github.com/pixelforge/studiosync/pkg/studio"
)

var watchCmd = &cobra.Command{
	Use:   "watch [job_id]",
	Short: "Stream live job updates",
	Long: `Stream job updates as they arrive from the push channel (or the
polling fallback when the channel is down). With a job_id argument only that
job's events are shown, and the command exits when the job finishes.

Press ctrl-c to stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	jobID := ""
	if len(args) > 0 {
		jobID = args[0]
	}

	events := make(chan event.Event, 64)
	st, err := newStudio(eventChannelOption(events))
	if err != nil {
		return err
	}
	defer st.Close()

	if jobID != "" {
		fmt.Printf("watching job %s (ctrl-c to stop)\n", jobID)
	} else {
		fmt.Println("watching all job events (ctrl-c to stop)")
	}

	st.Start(ctx)
	return streamEvents(ctx, st, events, jobID)
}

// eventChannelOption forwards applied events to ch, dropping on backpressure
// so a slow terminal never stalls the sync layer.
func eventChannelOption(ch chan event.Event) studio.Option {
	return studio.WithEventHook(func(ev event.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
}

// streamEvents renders events until ctx is cancelled. When jobID is set,
// unrelated jobs are filtered out and the stream ends on that job's terminal
// event.
func streamEvents(ctx context.Context, st *studio.Studio, events chan event.Event, jobID string) error {
	matches := func(id string) bool {
		if jobID == "" {
			return true
		}
		if id == jobID {
			return true
		}
		// The event may carry the backend id while the caller holds the
		// local one (or vice versa); resolve through the store.
		j, ok := st.GetJob(id)
		return ok && (j.ID == jobID || j.BackendID == jobID)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Type {
			case event.TypeGenerationProgress:
				if !matches(ev.Progress.JobID) {
					continue
				}
				printProgress(st, ev.Progress)
			case event.TypeGenerationComplete:
				if !matches(ev.Complete.JobID) {
					continue
				}
				fmt.Printf("job_id=%-36s  completed  result_id=%s  url=%s\n",
					ev.Complete.JobID, ev.Complete.ResultID, ev.Complete.ImageURL)
				if jobID != "" {
					return nil
				}
			case event.TypeGenerationError:
				if !matches(ev.Error.JobID) {
					continue
				}
				fmt.Printf("job_id=%-36s  failed     error=%s\n", ev.Error.JobID, ev.Error.Error)
				if jobID != "" {
					return nil
				}
			case event.TypeQueueUpdate:
				if jobID == "" {
					fmt.Printf("queue length: %d\n", ev.Queue.QueueLength)
				}
			}
		}
	}
}

func printProgress(st *studio.Studio, p *event.ProgressEvent) {
	eta := "-"
	if j, ok := st.GetJob(p.JobID); ok && j.ETA != nil {
		eta = jobstore.FormatDuration(*j.ETA)
	}
	fmt.Printf("job_id=%-36s  status=%-10s  progress=%3d%%  step=%d/%d  eta=%s\n",
		p.JobID, p.Status, p.Progress, p.CurrentStep, p.TotalSteps, eta)
}
