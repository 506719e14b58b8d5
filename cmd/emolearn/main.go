package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"emolearn/internal/app"
	"emolearn/internal/auth"
	"emolearn/internal/config"
	"emolearn/pkg/types"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("EmoLearn realtime service exited")
	}
}

func run() error {
	// A missing .env is fine; environment variables may come from anywhere.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("EMOLEARN_CONFIG_FILE"), "path to JSON config file")
	prettyLog := flag.Bool("pretty-log", false, "human-readable console logging")
	mintUser := flag.String("mint-token", "", "mint a bearer token for this user ID and exit")
	mintRole := flag.String("mint-role", types.RoleStudent, "role claim for -mint-token")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *prettyLog {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg := config.LoadConfigWithPrecedence(*configPath)

	if *mintUser != "" {
		return mintToken(cfg, *mintUser, *mintRole)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := application.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		return application.Stop(shutdownCtx)
	}
}

// mintToken issues a dev/test bearer token using the configured secret.
func mintToken(cfg *config.Config, userID, role string) error {
	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	token, err := authenticator.Mint(types.Identity{UserID: userID, Role: role}, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}

	fmt.Println(token)
	return nil
}
