package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/auth"
	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
	"github.com/MarcoPoloResearchLab/laurels/internal/config"
	"github.com/MarcoPoloResearchLab/laurels/internal/credentials"
	"github.com/MarcoPoloResearchLab/laurels/internal/database"
	"github.com/MarcoPoloResearchLab/laurels/internal/logging"
	"github.com/MarcoPoloResearchLab/laurels/internal/metrics"
	"github.com/MarcoPoloResearchLab/laurels/internal/roster"
	"github.com/MarcoPoloResearchLab/laurels/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "laurels-api",
		Short: "Competition scoring and credential service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newVerifyCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("credential-secret", "", "Credential signing secret (overrides env)")
	cmd.PersistentFlags().String("credential-id-prefix", defaults.GetString("credentials.id_prefix"), "Credential identifier prefix")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "credentials.secret", "credential-secret")
	bindFlag(cmd, "credentials.id_prefix", "credential-id-prefix")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type pipeline struct {
	db          *gorm.DB
	roster      *roster.Service
	competition *competition.Service
}

func (p pipeline) close() {
	if sqlDB, err := p.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func openPipeline(appConfig config.AppConfig, logger *zap.Logger, recorder competition.MetricsRecorder, observer competition.StatusObserver) (pipeline, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return pipeline{}, err
	}
	rosterService, err := roster.NewService(roster.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return pipeline{}, err
	}
	signer, err := credentials.NewSigner([]byte(appConfig.CredentialSecret))
	if err != nil {
		return pipeline{}, err
	}
	credentialIDs, err := credentials.NewIDGenerator(appConfig.CredentialIDPrefix, nil)
	if err != nil {
		return pipeline{}, err
	}
	competitionService, err := competition.NewService(competition.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		IDProvider:    competition.NewUUIDProvider(),
		Signer:        signer,
		CredentialIDs: credentialIDs,
		Directory:     rosterService,
		Metrics:       recorder,
		Observer:      observer,
		Logger:        logger,
	})
	if err != nil {
		return pipeline{}, err
	}
	return pipeline{db: db, roster: rosterService, competition: competitionService}, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	recorder := metrics.NewRecorder()
	dispatcher := server.NewStatusDispatcher()
	services, err := openPipeline(appConfig, logger, recorder, dispatcher)
	if err != nil {
		return err
	}
	defer services.close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		CompetitionService: services.competition,
		RosterService:      services.roster,
		Sessions:           sessionValidator,
		Metrics:            recorder,
		Status:             dispatcher,
		AllowedOrigins:     appConfig.AllowedOrigins,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type verifyOutput struct {
	CredentialID string `json:"credential_id"`
	Found        bool   `json:"found"`
	Valid        bool   `json:"valid"`
	StudentName  string `json:"student_name,omitempty"`
	EventName    string `json:"event_name,omitempty"`
	Tier         string `json:"tier,omitempty"`
	Rank         int    `json:"rank,omitempty"`
	IssuedAt     string `json:"issued_at,omitempty"`
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <credential-id>",
		Short: "Check a stored credential against its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadCredentials(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			services, err := openPipeline(appConfig, logger, nil, nil)
			if err != nil {
				return err
			}
			defer services.close()

			output := verifyOutput{CredentialID: args[0]}
			verification, err := services.competition.Verify(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, competition.ErrCredentialNotFound) {
				return err
			}
			if err == nil {
				output.Found = verification.Found
				output.Valid = verification.Valid
				output.StudentName = verification.Credential.StudentName
				output.EventName = verification.Credential.EventName
				output.Tier = verification.Credential.Tier
				output.Rank = verification.Credential.Rank
				output.IssuedAt = time.Unix(verification.Credential.IssuedAtSeconds, 0).UTC().Format(time.RFC3339)
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(output); err != nil {
				return err
			}
			if !output.Valid {
				return fmt.Errorf("credential %s did not verify", args[0])
			}
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for an operator, judge or student",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.SessionTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionSubject{
				UserID:      userID,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			return encoder.Encode(map[string]any{"access_token": token, "expires_in": expiresIn})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject user identifier")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried in the token")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role claim (admin, judge, student); repeatable")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
