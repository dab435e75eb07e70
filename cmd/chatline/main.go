package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"chatline/internal/app"
	"chatline/internal/auth"
	"chatline/internal/config"
	"chatline/internal/database"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

type flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
}

func main() {
	if err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("chatline failed")
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	f := &flags{}

	serve := &cli.Command{
		Name:   "serve",
		Usage:  "Run the chat server",
		Action: f.serve,
	}

	return &cli.Command{
		Name:    "chatline",
		Usage:   "Direct message chat server over websockets",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (yaml, json or toml)",
				Sources:     cli.EnvVars("CHATLINE_CONFIG"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("CHATLINE_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("CHATLINE_LOG_FILE"),
				Destination: &f.LogFile,
			},
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			return ctx, setupLogger(f.LogLevel, f.LogFile)
		},
		Action: f.serve,
		Commands: []*cli.Command{
			serve,
			{
				Name:      "token",
				Usage:     "Issue a bearer token for a user",
				UsageText: "chatline token [--user <uuid>] [--ttl 24h]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "user",
						Usage: "user id; a new one is generated when empty",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "token lifetime (defaults to auth.token_ttl)",
					},
				},
				Action: f.token,
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations and exit",
				Action: f.migrate,
			},
		},
	}
}

func (f *flags) serve(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.NewApplication(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func (f *flags) token(_ context.Context, c *cli.Command) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	user := uuid.New()
	if raw := c.String("user"); raw != "" {
		if user, err = uuid.Parse(raw); err != nil {
			return fmt.Errorf("invalid user id %q: %w", raw, err)
		}
	}

	ttl := cfg.Auth.TokenTTL
	if c.IsSet("ttl") {
		ttl = c.Duration("ttl")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(user, ttl)
	if err != nil {
		return err
	}

	log.Info().Str("user_id", user.String()).Time("expires_at", time.Now().Add(ttl)).Msg("issued token")
	_, err = fmt.Fprintln(c.Root().Writer, token)
	return err
}

func (f *flags) migrate(_ context.Context, _ *cli.Command) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.NewManager(cfg.Database, log.Logger)
	if err != nil {
		return err
	}
	log.Info().Str("path", cfg.Database.Path).Msg("database is up to date")
	return db.Close()
}

func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		output = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, file)
	}

	log.Logger = log.Output(output).Level(parsedLevel).With().Timestamp().Logger()
	return nil
}
