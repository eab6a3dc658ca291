package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"puenjai/handler"
	"puenjai/internal/config"
	"puenjai/internal/integrations/openai"
	"puenjai/internal/integrations/paramstore"
	"puenjai/internal/repository"
	"puenjai/internal/retry"
	"puenjai/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "puenjai",
		Short:         "Supportive-friend console backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newLambdaCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return withApp(ctx, cfg, func(a *app) error { return serve(ctx, cfg, a) })
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func newLambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve API Gateway proxy events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(a *app) error {
				lh, err := handler.NewLambdaHandler(a.routes)
				if err != nil {
					return err
				}
				lambda.Start(lh.Handle)
				return nil
			})
		},
	}
}

type app struct {
	log    *zap.Logger
	routes http.Handler
	db     *sql.DB
}

// withApp wires every component, runs fn and releases resources afterwards.
func withApp(ctx context.Context, cfg config.Config, fn func(*app) error) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				log.Warn("close database", zap.Error(err))
			}
		}
	}()
	return fn(a)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

func build(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{log: log}

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
	}

	apiKey := cfg.AIAPIKey
	if apiKey == "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		apiKey, err = ssmClient.Token(ctx, cfg.AIAPIKeyParam)
		if err != nil {
			return nil, err
		}
	}

	aiClient, err := openai.NewClient(apiKey,
		openai.WithBaseURL(cfg.AIBaseURL),
		openai.WithModel(cfg.AIModel),
		openai.WithTimeout(cfg.AITimeout),
	)
	if err != nil {
		return nil, err
	}

	var store usecase.ConversationStore
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		store, err = repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
		if err != nil {
			return nil, err
		}
	default:
		dialect := repository.DialectPostgres
		if cfg.StoreBackend == config.BackendSQLite {
			dialect = repository.DialectSQLite
		}
		db, err := repository.OpenSQL(ctx, dialect, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		sqlStore, err := repository.NewSQLStore(db, dialect)
		if err != nil {
			a.closeDB()
			return nil, err
		}
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			a.closeDB()
			return nil, err
		}
		store = sqlStore
	}

	rt := retry.New(cfg.Retry, retry.WithLogger(log.Named("retry")))
	svc, err := usecase.NewConsoleService(aiClient, store, rt, log.Named("console"))
	if err != nil {
		a.closeDB()
		return nil, err
	}
	h, err := handler.NewHandler(svc,
		handler.WithLogger(log.Named("http")),
		handler.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.routes = h.Routes()

	log.Info("components ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("model", aiClient.Model()),
		zap.Int("retry_max_attempts", rt.Policy().MaxAttempts),
	)
	return a, nil
}

func (a *app) closeDB() {
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

func serve(ctx context.Context, cfg config.Config, a *app) error {
	srv := &http.Server{
		Addr:    net.JoinHostPort("", cfg.Port),
		Handler: a.routes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
