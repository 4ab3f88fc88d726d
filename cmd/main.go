package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/api"
	"github.com/Gopher0727/GroupChat/internal/events"
	"github.com/Gopher0727/GroupChat/internal/handler"
	"github.com/Gopher0727/GroupChat/internal/pkg/friends"
	grpcserver "github.com/Gopher0727/GroupChat/internal/pkg/grpc"
	"github.com/Gopher0727/GroupChat/internal/pkg/kafka"
	"github.com/Gopher0727/GroupChat/internal/pkg/redis"
	"github.com/Gopher0727/GroupChat/internal/repository"
	"github.com/Gopher0727/GroupChat/internal/service"
	"github.com/Gopher0727/GroupChat/internal/storage"
	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/middleware/ratelimit"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLogger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	err = run(cfg, appLogger)
	if err != nil {
		appLogger.Error("server exited with error", zap.Error(err))
	}
	appLogger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, appLogger *logger.Logger) error {
	store, err := openStore(cfg, appLogger)
	if err != nil {
		return err
	}

	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	publishers := events.Fanout{events.NewRedisPublisher(redisClient)}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		publishers = append(publishers, events.NewKafkaPublisher(producer))
	}

	var oracle friends.IOracle
	if cfg.Friends.BaseURL != "" {
		oracle = friends.NewHTTPOracle(cfg.Friends.BaseURL, cfg.Friends.Timeout)
	} else {
		appLogger.Warn("friends.base_url is empty; nobody is friends with anybody")
		oracle = friends.NewStatic()
	}
	oracle = friends.NewCachedOracle(oracle, redisClient, cfg.Friends.CacheTTL, appLogger.Logger)

	ids, err := snowflake.NewGenerator(cfg.Snowflake.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to init id generator: %w", err)
	}

	groupChatService := service.NewGroupChatService(store, oracle, publishers, ids, appLogger)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewWindowLimiter(redisClient.Raw(), appLogger.Logger, cfg.RateLimit.FailOpen)
	}
	tokenManager := jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)
	mw := api.NewMiddlewareManager(tokenManager, limiter, appLogger, &cfg.RateLimit)
	router := api.NewRouter(cfg.Server.Mode, mw, handler.NewGroupChatHandler(groupChatService))

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv, err := grpcserver.NewServer(cfg.GRPC.Address, appLogger, tokenManager)
	if err != nil {
		return err
	}
	grpcserver.RegisterGroupChatServer(grpcSrv.GetServer(), grpcserver.NewGroupChatServer(groupChatService, appLogger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("starting HTTP server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Start(); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		appLogger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcSrv.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server shutdown failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func openStore(cfg *config.Config, appLogger *logger.Logger) (repository.IStore, error) {
	switch cfg.Storage.Driver {
	case "memory":
		appLogger.Warn("using the in-memory store; data is lost on exit")
		return repository.NewMemoryStore(), nil
	default:
		db, err := storage.InitPostgres(&cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return repository.NewGormStore(db), nil
	}
}
