// Command ingestd runs the Phoenix-area residential property ingest
// pipeline: either a one-shot collection run over configured ZIP
// codes, or a long-running HTTP processing service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phxrealty/ingest/internal/app"
	"github.com/phxrealty/ingest/internal/collector"
	"github.com/phxrealty/ingest/internal/config"
)

var globalFlags struct {
	AssessorAPIKey string
	MongoURI       string
	Port           int
	Debug          bool
}

var rootCmd = &cobra.Command{
	Use:           "ingestd",
	Short:         "ingestd collects and serves Phoenix-area residential property records",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.AssessorAPIKey, "assessor-api-key", "", "Maricopa assessor API key")
	rootCmd.PersistentFlags().StringVar(&globalFlags.MongoURI, "mongo-uri", "", "MongoDB connection URI")
	rootCmd.PersistentFlags().IntVar(&globalFlags.Port, "port", 0, "HTTP listen port for the serve command")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd, collectCmd)
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if globalFlags.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func buildDeps(ctx context.Context, logger *slog.Logger) (*app.Deps, error) {
	cfg, err := config.Load(config.Flags{
		AssessorAPIKey: globalFlags.AssessorAPIKey,
		MongoURI:       globalFlags.MongoURI,
		ServicePort:    globalFlags.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the long-running processing service and HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := buildLogger()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deps, err := buildDeps(ctx, logger)
		if err != nil {
			return err
		}
		defer deps.Close(context.Background())

		deps.Service.Start(ctx)

		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", deps.Config.ServicePort),
			Handler: deps.Handlers.Router(),
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()

		logger.Info("ingestd serving", "port", deps.Config.ServicePort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return deps.Service.Shutdown(shutdownCtx)
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run a one-shot collection pass over configured ZIP codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := buildLogger()
		ctx := cmd.Context()

		deps, err := buildDeps(ctx, logger)
		if err != nil {
			return err
		}
		defer deps.Close(context.Background())

		report, err := deps.Collector.Run(ctx, collector.Config{
			Zipcodes:   deps.Config.Zipcodes,
			SourceTag:  "maricopa_assessor",
			MaxPages:   0,
			DLQOnFinal: true,
		})
		if err != nil {
			return fmt.Errorf("collection run: %w", err)
		}

		for _, daily := range report.Zipcodes {
			logger.Info("zipcode collected",
				"zipcode", daily.Zipcode,
				"found", daily.PropertiesFound,
				"new", daily.PropertiesNew,
				"updated", daily.PropertiesUpdated,
				"errors", daily.Errors,
				"dead_lettered", daily.DeadLettered,
			)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
