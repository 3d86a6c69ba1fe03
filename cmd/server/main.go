package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/graceline/internal/api"
	"github.com/RichardoC/graceline/internal/auth"
	"github.com/RichardoC/graceline/internal/config"
	"github.com/RichardoC/graceline/internal/db"
	"github.com/RichardoC/graceline/internal/llm"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	newUser := flag.String("new-user", "", "create a user with this name, print a session token and exit")
	email := flag.String("email", "", "email for -new-user")
	sessionTTL := flag.Duration("session-ttl", 30*24*time.Hour, "lifetime of the token printed by -new-user")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Database.Path))
	}

	if *newUser != "" {
		err := issueToken(database, *newUser, *email, *sessionTTL)
		err = multierr.Append(err, database.Close())
		if err != nil {
			logger.Fatal("failed to create user", zap.Error(err))
		}
		return
	}

	llmService, err := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Token:       cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(database, database, llmService, logger)
	router := api.NewRouter(handler,
		auth.NewAuthenticator(database),
		api.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.Burst),
		logger)

	// No WriteTimeout: chat replies stream for as long as the model takes.
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Server.Addr), zap.String("model", cfg.LLM.Model))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := multierr.Combine(srv.Shutdown(ctx), database.Close()); err != nil {
		logger.Error("Unclean shutdown", zap.Error(err))
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func issueToken(database *db.Database, name, email string, ttl time.Duration) error {
	ctx := context.Background()
	user, err := database.CreateUser(ctx, name, email)
	if err != nil {
		return err
	}
	sess, err := database.CreateSession(ctx, user.ID, ttl)
	if err != nil {
		return err
	}
	fmt.Printf("user:  %s\ntoken: %s\nexpires: %s\n", user.ID, sess.Token, sess.ExpiresAt.Format(time.RFC3339))
	return nil
}
