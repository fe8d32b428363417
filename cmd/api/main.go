package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"agora.app/internal/config"
	"agora.app/internal/gate"
	"agora.app/internal/httpapi"
	"agora.app/internal/obs"
	"agora.app/internal/ratelimit"
	"agora.app/internal/store/memory"
	pgstore "agora.app/internal/store/pg"
	"agora.app/internal/telemetry"
	"agora.app/internal/token"
	"agora.app/internal/verification"
	"agora.app/internal/verification/remote"
)

var (
	version = "dev"
	commit  = "none"
)

// backend is everything the gate and the verification service persist.
type backend interface {
	verification.ChallengeStore
	verification.AttemptLog
	verification.ClaimsStore
	Ping(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agora-gate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", zap.Error(err))
			}
		}
	}()

	store, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeLimiter)

	sink, closeSink, err := newTelemetry(cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeSink)

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	verifier, closeVerifier, err := newProofVerifier(cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeVerifier)

	g, err := gate.New(auth, limiter,
		gate.WithClaimsReader(store),
		gate.WithTelemetry(sink),
		gate.WithGraceDays(cfg.GraceDays),
		gate.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	svcOpts := []verification.Option{
		verification.WithChallengeTTL(cfg.ChallengeTTL),
		verification.WithVerifierTimeout(cfg.VerifierTimeout),
		verification.WithGraceDays(cfg.GraceDays),
		verification.WithDevFallback(cfg.DevFallback, cfg.Environment),
		verification.WithLogger(logger),
	}
	if cfg.ChallengeHashKey != "" {
		svcOpts = append(svcOpts, verification.WithHashKey([]byte(cfg.ChallengeHashKey)))
	}
	svc, err := verification.NewService(store, store, store, verifier, svcOpts...)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{Deps: []httpapi.Pinger{store}}
	api, err := httpapi.New(g, svc, probe, httpapi.Options{
		Version:      version,
		CORSOrigins:  cfg.CORSOrigins,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RatePerSec:   cfg.HTTPRate,
		RateBurst:    cfg.HTTPBurst,
		TrustProxy:   cfg.TrustProxy,
		Policies: httpapi.NewPolicies(httpapi.Limits{
			ChallengePerUser: httpapi.Limit(cfg.ChallengeUserLimit),
			ChallengePerIP:   httpapi.Limit(cfg.ChallengeIPLimit),
			VerifyPerUser:    httpapi.Limit(cfg.VerifyUserLimit),
			VerifyPerIP:      httpapi.Limit(cfg.VerifyIPLimit),
		}),
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe, version)
	health.Register(grpcSrv)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version),
			zap.Bool("dev_fallback", svc.DevFallbackEnabled()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		health.Watch(gctx, 5*time.Second)
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, func() error, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no AGORA_PG_DSN set, using in-memory store")
		return memory.New(), func() error { return nil }, nil
	}
	s, err := pgstore.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return s, s.Close, nil
}

// newLimiter prefers Redis so that windows are shared across replicas. An
// unreachable Redis at startup is logged; the limiter falls back per call.
func newLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (ratelimit.Limiter, func() error, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewInMemory(), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, limiter will fall back to memory", zap.Error(err))
	}
	return ratelimit.NewRedis(client), client.Close, nil
}

func newTelemetry(cfg config.Config, logger *zap.Logger) (telemetry.Sink, func() error, error) {
	logSink := telemetry.LogSink{Logger: logger}
	if len(cfg.KafkaBrokers) == 0 {
		return logSink, func() error { return nil }, nil
	}
	k, err := telemetry.NewKafkaSink(telemetry.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
	if err != nil {
		return nil, nil, err
	}
	return telemetry.Multi{logSink, k}, k.Close, nil
}

func newAuthenticator(cfg config.Config) (*token.Verifier, error) {
	attKeys, err := keySource(cfg.Attestation, cfg)
	if err != nil {
		return nil, fmt.Errorf("attestation keys: %w", err)
	}
	idKeys, err := keySource(cfg.Identity, cfg)
	if err != nil {
		return nil, fmt.Errorf("identity keys: %w", err)
	}
	att, err := token.NewJWTAttestationVerifier(token.AttestationConfig{
		Keys:     attKeys,
		Issuer:   cfg.Attestation.Issuer,
		Audience: cfg.Attestation.Audience,
		AppIDs:   cfg.AppIDs,
	})
	if err != nil {
		return nil, err
	}
	id, err := token.NewJWTIdentityVerifier(token.IdentityConfig{
		Keys:     idKeys,
		Issuer:   cfg.Identity.Issuer,
		Audience: cfg.Identity.Audience,
	})
	if err != nil {
		return nil, err
	}
	return token.NewVerifier(att, id)
}

// keySource prefers JWKS; the shared secret is a development convenience.
func keySource(k config.KeyConfig, cfg config.Config) (token.KeySource, error) {
	if k.JWKSURL != "" {
		return token.NewJWKSSource(k.JWKSURL,
			token.WithFetchTimeout(cfg.JWKSTimeout),
			token.WithCacheTTL(cfg.JWKSCacheTTL),
		)
	}
	return token.HMACKey(k.HMACSecret), nil
}

func newProofVerifier(cfg config.Config, logger *zap.Logger) (verification.ProofVerifier, func() error, error) {
	if cfg.VerifierTarget == "" {
		logger.Warn("no AGORA_VERIFIER_TARGET set, proofs resolve as unavailable unless dev fallback is on")
		return nil, func() error { return nil }, nil
	}
	client, err := remote.Dial(cfg.VerifierTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial verifier: %w", err)
	}
	return client, client.Close, nil
}
