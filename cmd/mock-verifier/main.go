// Command mock-verifier serves a development personhood verifier over gRPC.
// It approves any proof whose payload carries a non-empty "evidence" field.
package main

import (
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agora.app/internal/obs"
	"agora.app/internal/verification/remote"
)

var (
	version = "dev"

	listenAddr = flag.String("listen", ":50051", "gRPC listen address")
	baseURL    = flag.String("base-url", "http://localhost:8090/verify", "Verification link prefix handed to clients")
	logLevel   = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()

	logger, err := obs.NewLogger("development", *logLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", *listenAddr), zap.Error(err))
	}

	server := grpc.NewServer()
	remote.Register(server, remote.EvidenceVerifier{BaseURL: *baseURL})
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		hs.Shutdown()
		server.GracefulStop()
	}()

	logger.Info("mock verifier listening", zap.String("addr", lis.Addr().String()), zap.String("version", version))
	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Fatal("serve", zap.Error(err))
	}
}
