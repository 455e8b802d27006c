// Command l7lb is the load balancer entry point.
//
// Usage:
//
//	l7lb [-config path/to/lb.yaml]
//
// Editing lb.yaml while the process is running hot-reloads the strategy
// and the weights of the backends configured at startup (matched by name);
// servers added to or removed from the file are not picked up, since the
// backend set is fixed for the process lifetime. Sticky-session and
// load-shedding toggles require a restart — they gate the dispatcher's
// admission path directly and are not safe to swap without a lock the
// dispatcher doesn't otherwise need to take on every connection. On SIGINT
// or SIGTERM the health monitor stops, the listener closes and the admin
// server is given up to 10 seconds to shut down; the process then exits
// without waiting for in-flight relays.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"l7lb/internal/admin"
	"l7lb/internal/config"
	"l7lb/internal/dispatcher"
	"l7lb/internal/health"
	"l7lb/internal/registry"
	"l7lb/internal/shed"
	"l7lb/internal/strategy"
)

func main() {
	configPath := flag.String("config", "configs/lb.yaml", "path to lb.yaml")
	flag.Parse()

	startTime := time.Now()

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults", "path", *configPath, "error", err)
		cfg = config.Default()
		v = nil
	}

	setupLogging(cfg.DebugMode)

	reg, picker, err := buildRegistry(cfg)
	if err != nil {
		slog.Error("failed to initialize registry", "error", err)
		os.Exit(1)
	}

	monitor := health.New(reg, health.Config{
		Interval: cfg.HealthInterval(),
		Timeout:  cfg.HealthTimeout(),
		Path:     cfg.HealthCheckPath,
	})
	monitor.Start()

	var pickerRef atomic.Pointer[strategy.Picker]
	pickerRef.Store(&picker)

	d := dispatcher.New(reg, pickerProxy{&pickerRef}, dispatcher.Config{
		StickySessions: cfg.StickySessions,
		ShedEnabled:    cfg.LoadSheddingEnabled,
		ShedParams:     shedParamsFrom(cfg),
	})

	if v != nil {
		config.Watch(v, func(newCfg config.Config) {
			newPicker, err := rebuildPicker(reg, newCfg)
			if err != nil {
				slog.Error("hot-reload: failed to rebuild strategy", "error", err)
				return
			}
			pickerRef.Store(&newPicker)
			slog.Info("config: hot-reload applied", "strategy", newCfg.Strategy, "servers", len(newCfg.Servers))
		})
	}

	ln, err := listen(cfg.ListenAddr())
	if err != nil {
		slog.Error("failed to bind listening socket", "addr", cfg.ListenAddr(), "error", err)
		os.Exit(1)
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(reg, cfg.Admin.ListenAddr, startTime)
		adminSrv.Start()
	}

	go func() {
		slog.Info("l7lb listening",
			"addr", cfg.ListenAddr(),
			"strategy", cfg.Strategy,
			"servers", len(cfg.Servers),
			"sticky_sessions", cfg.StickySessions,
			"load_shedding", cfg.LoadSheddingEnabled,
		)
		if err := d.Serve(ln); err != nil {
			slog.Info("listener closed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down l7lb")

	monitor.Stop()
	ln.Close()

	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminSrv.Stop(ctx); err != nil {
			slog.Error("admin server forced shutdown", "error", err)
		}
	}

	slog.Info("l7lb stopped")
}

// setupLogging installs the default slog logger. In debug mode, log lines
// fan out to both stdout and lb.log.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	dest := io.Writer(os.Stdout)

	if debug {
		level = slog.LevelDebug
		f, err := os.OpenFile("lb.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Warn("could not open lb.log, logging to stdout only", "error", err)
		} else {
			dest = io.MultiWriter(os.Stdout, f)
		}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(dest, &slog.HandlerOptions{Level: level})))
}

// buildRegistry constructs a fresh Registry and Picker from cfg.
func buildRegistry(cfg config.Config) (*registry.Registry, strategy.Picker, error) {
	backends := make([]*registry.Backend, len(cfg.Servers))
	for i, s := range cfg.Servers {
		weight := s.Weight
		if weight <= 0 {
			weight = 1
		}
		backends[i] = &registry.Backend{Name: s.Name, IP: s.IP, Port: s.Port, Weight: weight}
	}

	reg := registry.New(backends)
	picker, err := rebuildPicker(reg, cfg)
	if err != nil {
		return nil, nil, err
	}
	return reg, picker, nil
}

// rebuildPicker constructs a new Picker over reg's existing backend set,
// refreshing each backend's Weight from cfg first. The backend objects
// themselves, and therefore their live Healthy/RTTAvg state, are preserved.
func rebuildPicker(reg *registry.Registry, cfg config.Config) (strategy.Picker, error) {
	reg.Lock()
	backends := reg.Backends()
	for _, s := range cfg.Servers {
		for _, b := range backends {
			if b.Name == s.Name {
				weight := s.Weight
				if weight <= 0 {
					weight = 1
				}
				b.Weight = weight
			}
		}
	}
	reg.Unlock()

	return strategy.New(cfg.Strategy, backends, strategy.DefaultReplicas)
}

func shedParamsFrom(cfg config.Config) shed.Params {
	return shed.Params{
		Strategy:  cfg.LoadShedParams.Strategy,
		Threshold: cfg.LoadShedParams.SimConnThreshold,
		K:         cfg.LoadShedParams.K,
	}
}

// pickerProxy lets the dispatcher hold a stable strategy.Picker value while
// hot-reload swaps the pointer it reads from underneath.
type pickerProxy struct {
	ref *atomic.Pointer[strategy.Picker]
}

func (p pickerProxy) Pick(ctx strategy.Context) (*registry.Backend, error) {
	return (*p.ref.Load()).Pick(ctx)
}

// listen binds addr with a listen backlog of 5 (load_balancer.py's raw
// socket.listen(5)). net.Listen doesn't expose backlog control, so once the
// socket is bound and listening, listen(2) is called again on its file
// descriptor with a backlog of 5, which replaces the default backlog.
func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	rc, err := ln.(*net.TCPListener).SyscallConn()
	if err != nil {
		ln.Close()
		return nil, err
	}
	var listenErr error
	if err := rc.Control(func(fd uintptr) {
		listenErr = syscall.Listen(int(fd), 5)
	}); err != nil {
		listenErr = err
	}
	if listenErr != nil {
		ln.Close()
		return nil, listenErr
	}
	return ln, nil
}
