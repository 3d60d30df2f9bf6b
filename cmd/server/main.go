// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/router"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledger",
		Short:         "IP asset ownership split ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newValidateSplitCmd(), newTokenCmd())
	return root
}

func setupLogging(cfg *config.Config) *logrus.Logger {
	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, setupLogging(cfg), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := database.Initialize(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer database.Close(db)

			if err := database.RunMigrations(db); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			if err := i18n.Initialize(cfg.I18n.LocalesPath, cfg.I18n.DefaultLocale); err != nil {
				return fmt.Errorf("failed to initialize i18n: %w", err)
			}

			if cfg.Environment == "production" {
				gin.SetMode(gin.ReleaseMode)
			}

			app, err := router.Initialize(db, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize router: %w", err)
			}
			defer func() {
				if err := app.Close(); err != nil {
					logger.WithError(err).Warn("Failed to close event publisher")
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go app.Events.RunRetryLoop(ctx, cfg.Ledger.EventRetryInterval, cfg.Ledger.EventRetryBatchSize)

			srv := &http.Server{
				Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
				Handler:      app.Engine,
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
				IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.WithField("port", cfg.Server.Port).Info("Starting server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("failed to start server: %w", err)
				}
			case <-ctx.Done():
			}
			logger.Info("Shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}

			logger.Info("Server exited")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := database.Initialize(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer database.Close(db)

			if err := database.RunMigrations(db); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			logger.WithField("driver", cfg.Database.Driver).Info("Migrations applied")
			return nil
		},
	}
}

// newValidateSplitCmd checks a JSON array of {creatorId, shareBps} read from
// a file or stdin without touching the database.
func newValidateSplitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate-split",
		Short: "Validate an ownership split given as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return runValidateSplit(r, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with the shares, - for stdin")
	return cmd
}

func runValidateSplit(r io.Reader, w io.Writer) error {
	var shares []services.ShareInput
	if err := json.NewDecoder(r).Decode(&shares); err != nil {
		return fmt.Errorf("failed to decode shares: %w", err)
	}

	if err := services.ValidateSplit(shares); err != nil {
		var le *services.LedgerError
		if errors.As(err, &le) {
			out, _ := json.MarshalIndent(map[string]interface{}{
				"kind":    le.Kind,
				"reason":  le.Reason,
				"message": le.Message,
				"details": le.Details,
			}, "", "  ")
			fmt.Fprintln(w, string(out))
		}
		return err
	}

	fmt.Fprintln(w, "split is valid")
	return nil
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		admin  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			utils.SetJWTSecret(cfg.JWT.SecretKey)
			utils.SetJWTIssuer(cfg.JWT.Issuer)

			userType := "creator"
			if admin {
				userType = utils.UserTypeAdmin
			}
			token, err := utils.GenerateJWT(userID, userType, time.Duration(cfg.JWT.AccessTokenTTL)*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to put in the token")
	cmd.Flags().BoolVar(&admin, "admin", false, "issue an admin token")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
