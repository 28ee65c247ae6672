package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Yulian302/lfusys-services-migrator/models"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "migrator",
		Short:        "Lazily copies objects from the GCS origin into the S3 origin on CDN cache misses",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMonitorCmd(&configPath),
		newDispatchCmd(&configPath),
		newEnqueueCmd(&configPath),
	)
	return root
}

// withApp builds the application, runs fn and always shuts down afterwards.
func withApp(ctx context.Context, configPath string, fn func(ctx context.Context, app *App) error) error {
	app, err := SetupApp(ctx, configPath)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	runErr := fn(ctx, app)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.ServiceConfig.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("shutdown failed", "error", err)
	}

	return runErr
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(configPath *string) *cobra.Command {
	var roleNames []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run queue consumers and the recovery monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			roles, err := ParseRoles(roleNames)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			return withApp(ctx, *configPath, func(ctx context.Context, app *App) error {
				err := app.Run(ctx, roles)
				app.Logger.Info("shutdown signal received")
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&roleNames, "roles", nil, "roles to run: dispatcher, direct, chunk, monitor (default all)")
	return cmd
}

func newMonitorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run a single recovery sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			return withApp(ctx, *configPath, func(ctx context.Context, app *App) error {
				report, err := app.Services.Recovery.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(),
					"parts requeued: %d\nparts deleted: %d\nmissing parts requeued: %d\nsessions finalized: %d\nsessions resumed: %d\ndirect jobs requeued: %d\nerrors: %d\n",
					report.PartsRequeued, report.PartsDeleted, report.MissingRequeued,
					report.SessionsFinalized, report.SessionsResumed, report.DirectRequeued, report.Errors,
				)
				return err
			})
		},
	}
}

func newDispatchCmd(configPath *string) *cobra.Command {
	var req requestFlags

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one URI in process, bypassing the request queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			tr, err := req.request()
			if err != nil {
				return err
			}

			return withApp(ctx, *configPath, func(ctx context.Context, app *App) error {
				plan, err := app.Services.Dispatcher.Dispatch(ctx, tr)
				if plan != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "key=%s size=%d strategy=%s parts=%d upload_id=%s\n",
						plan.Key, plan.Size, plan.Strategy, len(plan.Ranges), plan.UploadID)
				}
				return err
			})
		},
	}
	req.register(cmd)
	return cmd
}

func newEnqueueCmd(configPath *string) *cobra.Command {
	var req requestFlags

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a transfer request the way the edge hook does",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			tr, err := req.request()
			if err != nil {
				return err
			}

			return withApp(ctx, *configPath, func(ctx context.Context, app *App) error {
				return app.Services.Publisher.PublishTransferRequest(ctx, tr)
			})
		},
	}
	req.register(cmd)
	return cmd
}

type requestFlags struct {
	uri           string
	contentLength int64
	contentType   string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.uri, "uri", "", "request path of the missed object")
	cmd.Flags().Int64Var(&f.contentLength, "content-length", 0, "object size in bytes, 0 to look it up")
	cmd.Flags().StringVar(&f.contentType, "content-type", "", "object content type")
	_ = cmd.MarkFlagRequired("uri")
}

func (f *requestFlags) request() (models.TransferRequest, error) {
	if f.contentLength < 0 {
		return models.TransferRequest{}, fmt.Errorf("content-length must not be negative")
	}
	key := models.KeyFromURI(f.uri)
	if key == "" {
		return models.TransferRequest{}, fmt.Errorf("uri %q has no object key", f.uri)
	}

	contentType := f.contentType
	if contentType == "" {
		contentType = models.UnknownContentType
	}
	return models.TransferRequest{
		URI:           f.uri,
		Key:           key,
		ContentLength: f.contentLength,
		ContentType:   contentType,
	}, nil
}
