package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmbench/llmbench/test/mockllm"
)

var (
	mockAddr         string
	mockFirstToken   time.Duration
	mockTokenDelay   time.Duration
	mockServerTiming bool
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Serve a streaming mock of vLLM and Triton",
	Long: `Mock-server answers /v1/completions, /v1/chat/completions and
/v2/models/<model>/generate_stream with deterministic SSE streams, and accepts
/start_profile and /stop_profile. Use it to try a run without a GPU.`,
	RunE: runMockServer,
}

func init() {
	rootCmd.AddCommand(mockServerCmd)

	f := mockServerCmd.Flags()
	f.StringVar(&mockAddr, "addr", ":8000", "Listen address")
	f.DurationVar(&mockFirstToken, "first-token-delay", 50*time.Millisecond, "Delay before the first content frame")
	f.DurationVar(&mockTokenDelay, "token-delay", 10*time.Millisecond, "Delay between content frames")
	f.BoolVar(&mockServerTiming, "server-timing", false, "Report server_ttft and server_e2e_latency in a usage frame")
}

func runMockServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	state := mockllm.NewState()
	state.SetBehavior(mockllm.Behavior{
		FirstTokenDelay: mockFirstToken,
		TokenDelay:      mockTokenDelay,
		ServerTiming:    mockServerTiming,
	})
	srv := &http.Server{
		Addr:              mockAddr,
		Handler:           mockllm.NewServer(state),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock inference server listening", slog.String("addr", mockAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mock server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("mock server shutdown: %w", err)
	}
	logger.Info("mock inference server stopped", slog.Int64("requests", state.Requests()))
	return nil
}
