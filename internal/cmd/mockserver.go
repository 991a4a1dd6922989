package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixelforge/studiosync/internal/devserver"
	"github.com/pixelforge/studiosync/internal/observability"
)

var mockserverCmd = &cobra.Command{
	Use:   "mockserver",
	Short: "Run a local simulator of the studio backend",
	Long: `Run a local backend simulator serving the REST endpoints (primary
and legacy shapes) and the /ws/progress push channel. Submitted jobs step
through queued -> processing -> completed with synthetic progress, which
makes it useful for UI development and for exercising this client end to
end.`,
	RunE: runMockserver,
}

var (
	mockAddr         string
	mockStepInterval time.Duration
)

func init() {
	rootCmd.AddCommand(mockserverCmd)
	mockserverCmd.Flags().StringVar(&mockAddr, "addr", "localhost:8188", "Listen address")
	mockserverCmd.Flags().DurationVar(&mockStepInterval, "step-interval", 300*time.Millisecond, "Delay between simulated generation steps")
}

func runMockserver(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.Component("mockserver")

	srv := devserver.New(logger, devserver.WithStepInterval(mockStepInterval))
	httpSrv := &http.Server{
		Addr:              mockAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock studio backend listening", zap.String("addr", mockAddr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
