package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vmx/internal/api"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(e *env) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") && app.Config.APIPort != "" {
				port = app.Config.APIPort
			}

			token := app.Config.APIToken
			if token == "" {
				token = uuid.NewString()
				app.Logger.Warn().Str("token", token).Msg("no api_token configured, generated one for this run")
			}

			handler := api.NewAPI(api.Deps{
				Machines: app.Machines,
				Images:   app.Images,
				Volumes:  app.Volumes,
				Logger:   app.Logger,
				Token:    token,
			}).Router()

			ln, err := net.Listen("tcp", net.JoinHostPort("", port))
			if err != nil {
				return err
			}
			return serve(cmd.Context(), &http.Server{
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}, ln, app)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "8890", "Port to listen on")
	return cmd
}

// serve runs srv on ln until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, app *App) error {
	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info().Str("addr", ln.Addr().String()).Msg("api listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	app.Logger.Info().Msg("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
