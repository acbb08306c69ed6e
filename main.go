package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "SawitDetServer/Adhoc"
	"SawitDetServer/annotate"
	"SawitDetServer/config"
	"SawitDetServer/engine"
	rpc "SawitDetServer/gRPC"
	iface "SawitDetServer/interface"
	"SawitDetServer/logger"
	"SawitDetServer/monitor"
	"SawitDetServer/session"
	"SawitDetServer/web"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func GetOutboundIP() (string, error) {
	// no packet is sent, dialing UDP only resolves the outbound route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func newPredictor(cfg config.Config) (iface.Predictor, error) {
	names := annotate.Ripeness.Names()
	if cfg.Backend == engine.BackendGRPC {
		client, err := rpc.Dial(cfg.RemoteURL, cfg.RemoteTimeout(), names)
		if err != nil {
			return nil, err
		}
		remote, err := client.RemoteConfig(context.Background())
		if err != nil {
			// the server may come up later, predictions will report it
			logger.Log().Warn("gRPC detector not reachable yet", zap.String("target", cfg.RemoteURL), zap.Error(err))
		} else {
			logger.Log().Info("gRPC detector connected", zap.String("target", cfg.RemoteURL),
				zap.String("model", remote.ModelPath), zap.Strings("names", remote.Names))
		}
		return client, nil
	}
	return engine.New(engine.Options{
		Backend:       cfg.Backend,
		ModelPath:     cfg.ModelPath,
		Names:         names,
		Conf:          cfg.Confidence,
		Iou:           cfg.Iou,
		InputSize:     cfg.InputSize,
		UseGPU:        cfg.UseGPU,
		RemoteURL:     cfg.RemoteURL,
		RemoteTimeout: cfg.RemoteTimeout(),
	})
}

func idleCheckInterval(idle time.Duration) time.Duration {
	if idle < time.Minute {
		return idle
	}
	return time.Minute
}

func run(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup

	predictor, err := newPredictor(cfg)
	if err != nil {
		return fmt.Errorf("build %s backend: %w", cfg.Backend, err)
	}
	defer predictor.Close()

	store := session.NewStore(cfg.SessionIdle())
	defer store.Close()
	if cfg.SessionIdle() > 0 {
		store.StartIdleMonitor(ctx, idleCheckInterval(cfg.SessionIdle()))
	}

	metrics := monitor.New()
	metrics.WatchSessions(store.Len)
	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.StartMon(ctx, cfg.MetricsPort)
	}()

	var grpcServer *grpc.Server
	if cfg.RPCPort > 0 {
		fmt.Println("Starting gRPC Server")
		grpcServer, err = rpc.StartGRPCServer(cfg.RPCPort, predictor, metrics)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
	}

	if cfg.UseRegServer {
		selfURL := cfg.AdvertiseURL
		if selfURL == "" {
			ip, err := GetOutboundIP()
			if err != nil {
				logger.Log().Warn("Failed to get outbound IP", zap.Error(err))
				ip = "127.0.0.1"
			}
			selfURL = fmt.Sprintf("http://%s:%d", ip, cfg.HTTPPort)
		}
		announcer := adhoc.NewAnnouncer(cfg.RegServerURL, selfURL, cfg.Backend, annotate.Ripeness.Names())
		wg.Add(1)
		go announcer.Run(ctx, &wg)
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
	}

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	server := web.New(web.Options{
		Model:       predictor,
		Store:       store,
		Metrics:     metrics,
		Classes:     annotate.Ripeness,
		DefaultConf: cfg.Confidence,
		UploadDir:   cfg.UploadDir,
		MaxUpload:   cfg.MaxUploadBytes(),
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Router(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Log().Warn("Shutting down")
	case err = <-serveErr:
		logger.Log().Error("HTTP server failed", zap.Error(err))
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("HTTP server shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	wg.Wait()
	return err
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel, cfg.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	if cfg.RPCPort > 0 {
		fmt.Println(" gRPC    Port:", cfg.RPCPort)
	}
	fmt.Println(" Backend     :", cfg.Backend)
	fmt.Printf(" Confidence  : %.2f\n", cfg.Confidence)
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println("")

	err = run(cfg)
	logger.Sync()
	if err != nil {
		fmt.Println("Exited with error:", err)
		os.Exit(1)
	}
	fmt.Println("Safely exited")
}
