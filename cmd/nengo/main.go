package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/backend"
	"github.com/nengo/nengo-gui/browser"
	"github.com/nengo/nengo-gui/env"
	"github.com/nengo/nengo-gui/examples"
	"github.com/nengo/nengo-gui/logger"
	"github.com/nengo/nengo-gui/model"
	"github.com/nengo/nengo-gui/server"
	"github.com/nengo/nengo-gui/sys"
	"github.com/nengo/nengo-gui/telemetry"
	"github.com/nengo/nengo-gui/tui"
	"github.com/spf13/cobra"
)

const (
	envPassword    = "NENGO_PASSWORD"
	envPort        = "NENGO_PORT"
	envBackend     = "NENGO_BACKEND"
	envHost        = "NENGO_HOST"
	envIdleTimeout = "NENGO_IDLE_TIMEOUT"
	envAuthTimeout = "NENGO_AUTH_TIMEOUT"
	envMaxSteps    = "NENGO_MAX_STEPS"
	envOTLPURL     = "NENGO_OTLP_URL"
	envOTLPToken   = "NENGO_OTLP_TOKEN"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		tui.ShowError("%s", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nengo [filename]",
		Short:         "Serve a model to the browser",
		Long:          "Loads a model file (the bundled example when none is given) and serves an interactive session for it.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	flags := cmd.Flags()
	flags.StringP("password", "p", "", "password required from clients (env "+envPassword+")")
	flags.IntP("port", "P", server.DefaultPort, "port to listen on (env "+envPort+")")
	flags.String("host", "", "host to bind, loopback by default and every interface with a password (env "+envHost+")")
	flags.StringP("backend", "b", backend.Default, "model backend: "+strings.Join(backend.Names(), ", ")+" (env "+envBackend+")")
	flags.Bool("browser", true, "open a browser once the server is listening")
	flags.Bool("no-browser", false, "do not open a browser")
	flags.Bool("debug", false, "verbose logging")
	flags.String("idle-timeout", server.DefaultIdleTimeout.String(), "close idle sessions after this long, 0 disables (env "+envIdleTimeout+")")
	flags.String("auth-timeout", server.DefaultAuthTimeout.String(), "close unauthenticated connections after this long (env "+envAuthTimeout+")")
	flags.Int("max-steps", server.DefaultMaxSteps, "largest step count a single command may request (env "+envMaxSteps+")")
	flags.String("env-file", "", "read NENGO_* settings from this file")
	flags.String("otlp-url", "", "export traces and logs to this OTLP/HTTP collector (env "+envOTLPURL+")")
	cmd.MarkFlagsMutuallyExclusive("browser", "no-browser")

	cmd.AddCommand(statusCmd())
	return cmd
}

// configFromFlags resolves the server configuration and the model path.
func configFromFlags(cmd *cobra.Command, args []string) (server.Config, string, error) {
	cfg := server.DefaultConfig()
	if file, _ := cmd.Flags().GetString("env-file"); file != "" {
		if err := env.Load(file); err != nil {
			return cfg, "", err
		}
	}

	port, err := env.IntFlagOrEnv(cmd, "port", envPort, server.DefaultPort)
	if err != nil {
		return cfg, "", err
	}
	cfg.Port = port
	cfg.Password = env.FlagOrEnv(cmd, "password", envPassword, "")
	cfg.Host = env.FlagOrEnv(cmd, "host", envHost, "")
	cfg.Backend = env.FlagOrEnv(cmd, "backend", envBackend, backend.Default)
	cfg.Debug, _ = cmd.Flags().GetBool("debug")

	cfg.Browser, _ = cmd.Flags().GetBool("browser")
	if noBrowser, _ := cmd.Flags().GetBool("no-browser"); noBrowser {
		cfg.Browser = false
	}

	if cfg.IdleTimeout, err = server.ParseDuration(env.FlagOrEnv(cmd, "idle-timeout", envIdleTimeout, "")); err != nil {
		return cfg, "", err
	}
	if cfg.AuthTimeout, err = server.ParseDuration(env.FlagOrEnv(cmd, "auth-timeout", envAuthTimeout, "")); err != nil {
		return cfg, "", err
	}
	if cfg.MaxStepsPerCommand, err = env.IntFlagOrEnv(cmd, "max-steps", envMaxSteps, server.DefaultMaxSteps); err != nil {
		return cfg, "", err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}

	var path string
	if len(args) > 0 {
		path = args[0]
	} else if path, err = examples.Materialize(examples.Dir()); err != nil {
		return cfg, "", errors.Wrap(err, "preparing the bundled example")
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := configFromFlags(cmd, args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := env.NewLogger(cmd)
	if endpoint := env.FlagOrEnv(cmd, "otlp-url", envOTLPURL, ""); endpoint != "" {
		remote, shutdown, err := telemetry.New(ctx, telemetry.Config{
			Endpoint:    endpoint,
			Token:       os.Getenv(envOTLPToken),
			ServiceName: "nengo",
			Level:       logger.LevelForDebug(cfg.Debug),
		})
		if err != nil {
			return err
		}
		defer shutdown()
		log = logger.Tee(log, remote)
	}

	builder, err := backend.Lookup(cfg.Backend)
	if err != nil {
		return err
	}
	mctx := model.NewContext(path, builder, model.WithLogger(log))
	defer mctx.Close()

	srv := server.New(log, cfg, mctx)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	showBanner(ctx, srv, cfg, mctx)
	if cfg.Browser {
		if err := browser.Open(srv.URL()); err != nil {
			log.Warn("could not open a browser: %v", err)
		}
	}

	sig := sys.WaitForShutdown(ctx)
	if sig != nil {
		log.Info("received %s, shutting down", sig)
	}
	return srv.Stop()
}

func showBanner(ctx context.Context, srv *server.Server, cfg server.Config, mctx *model.Context) {
	name := mctx.Path()
	if m, ok := mctx.Cached(ctx); ok {
		name = m.Name + " (" + m.Path + ")"
	}
	access := "open, bound to " + srv.Addr().String()
	if cfg.Password != "" {
		access = "password required"
	} else if !sys.IsLocalhost(cfg.BindHost()) {
		access = tui.Warning(access)
	}
	body := tui.Details(
		[2]string{"url", tui.Link(srv.URL())},
		[2]string{"model", name},
		[2]string{"backend", cfg.Backend},
		[2]string{"access", access},
	)
	tui.ShowBanner("nengo", body)
	tui.ShowSuccess("serving %s", srv.URL())
	if cfg.Password == "" && !sys.IsLocalhost(cfg.BindHost()) {
		tui.ShowWarning("listening on %s without a password", srv.Addr())
	}
	fmt.Fprintln(tui.Out, tui.Muted("press ctrl-c to stop"))
}
