package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/robodyne/robosync/internal/auth"
	"github.com/robodyne/robosync/internal/configuration"
	"github.com/robodyne/robosync/internal/handlers"
	"github.com/robodyne/robosync/internal/metrics"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/profile"
	"github.com/robodyne/robosync/internal/profiling"
	"github.com/robodyne/robosync/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the robot registry HTTP API",
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runServer(cmd.Context()); err != nil {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer(ctx context.Context) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("Configuration loaded", config.AsLogFields()...)

	// serve metrics endpoint
	metrics.ListenAndServe()
	version.ExportBuildInfoMetric()

	if config.EnableProfiling {
		profiling.Enable()
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	reg, repository, err := openRegistry(ctx, config)
	if err != nil {
		return err
	}
	defer repository.Close()

	authn, documentAuthn, err := authMiddleware(ctx, config.Auth)
	if err != nil {
		slog.Error("Failed to set up authentication", "error", err)
		return err
	}

	router := handlers.NewHandlerFactory(reg, repository.Robots, profile.NewService(repository.Profiles)).
		Router(authn, documentAuthn)

	server := &http.Server{
		Addr:              config.ListenAddress,
		Handler:           otelhttp.NewHandler(router, model.AppName),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel the context when we receive a termination signal.
	go func() {
		s := <-termChan
		slog.Info("Received signal for termination, exiting...", "signal", s.String())
		cancel()
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down server", "error", err)
		}
	}()

	slog.With(version.Current().AsLogFields()...).Info("robosync serving", "address", config.ListenAddress)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Server failed", "error", err)
		return err
	}

	return nil
}

// authMiddleware returns the user API and document API authenticators. The document API is
// left unmounted when token verification is disabled.
func authMiddleware(ctx context.Context, opts *configuration.AuthOptions) (authn, documentAuthn func(http.Handler) http.Handler, err error) {
	if opts.Disable {
		slog.Warn("Token verification disabled, trusting the "+auth.OwnerHeader+" header, owner document API not served")
		return auth.HeaderMiddleware, nil, nil
	}

	verifier, err := auth.NewVerifier(ctx, opts.OidcIssuerEndpoint, opts.OidcAudience, auth.WithServiceScope(opts.ServiceScope))
	if err != nil {
		return nil, nil, err
	}

	return verifier.Middleware, verifier.Middleware, nil
}
