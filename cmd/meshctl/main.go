// Command meshctl is a Bluetooth mesh provisioner and controller.
//
// It scans for devices, provisions them into a network kept in a state
// file and controls provisioned nodes through a proxy link. The sim
// transport runs against in-process simulated devices, the ble transport
// against the host's Bluetooth adapter.
//
// Usage:
//
//	meshctl [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-transport string     Radio transport: sim, ble (default "sim")
//	-network string       Network state file
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  Write protocol events to this file
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-nats-url string      Publish engine events to this NATS server
//	-interactive          Enable interactive command mode
//
// Examples:
//
//	# Try it against simulated devices
//	meshctl -interactive
//
//	# Drive real hardware and keep the network across restarts
//	meshctl -transport ble -network ~/.meshctl/home.json -interactive
//
//	# Record protocol traffic for meshlog
//	meshctl -protocol-log mesh.mlog -log-level debug
//
// Interactive Commands:
//
//	scan [seconds]          - Scan for devices
//	devices                 - List devices from the last scan
//	connect <addr>          - Open a link to a device
//	caps <uuid>             - Read provisioning capabilities
//	provision <uuid>        - Provision a device
//	onoff <addr> on|off     - Switch a node
//	nodes                   - List nodes and their liveness
//	quit                    - Exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshlink/meshlink-go/cmd/meshctl/shell"
	"github.com/meshlink/meshlink-go/internal/meshsim"
	"github.com/meshlink/meshlink-go/pkg/codec"
	"github.com/meshlink/meshlink-go/pkg/eventbridge"
	meshlog "github.com/meshlink/meshlink-go/pkg/log"
	"github.com/meshlink/meshlink-go/pkg/metrics"
	"github.com/meshlink/meshlink-go/pkg/network"
	"github.com/meshlink/meshlink-go/pkg/service"
	"github.com/meshlink/meshlink-go/pkg/transport"
	"github.com/meshlink/meshlink-go/pkg/transport/ble"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// logOutput lets the interactive shell take over log output once the
// prompt exists.
type logOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *logOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

func (o *logOutput) set(w io.Writer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w = w
}

func run(ctx context.Context, cfg Config) error {
	level, _ := parseLevel(cfg.LogLevel)
	out := &logOutput{w: os.Stderr}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	logger.Info("mesh controller starting", "transport", cfg.Transport, "network", cfg.Network)

	radio, err := openTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer radio.Close()

	engCfg := service.DefaultConfig()
	engCfg.Logger = logger
	engCfg.Connection.ProxyOrder, _ = parseProxyOrder(cfg.ProxyOrder)
	engCfg.Correlator.Timeout = cfg.CallTimeout

	var plogs []meshlog.Logger
	if cfg.ProtocolLog != "" {
		fl, err := meshlog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer func() {
			logger.Info("protocol log closed", "path", cfg.ProtocolLog, "events", fl.Count())
			fl.Close()
		}()
		plogs = append(plogs, fl)
	}
	if level <= slog.LevelDebug {
		plogs = append(plogs, meshlog.NewSlogAdapter(logger.With("component", "protocol")))
	}
	if len(plogs) > 0 {
		engCfg.ProtocolLogger = meshlog.NewMultiLogger(plogs...)
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		engCfg.Metrics = metrics.New(reg)
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	eng, err := service.New(radio, codec.New(), engCfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if cfg.Network != "" {
		n, err := eng.LoadNetwork(network.NewStore(cfg.Network))
		if err != nil {
			return fmt.Errorf("load network: %w", err)
		}
		logger.Info("network loaded", "name", n.Name(), "nodes", len(n.Nodes()), "path", cfg.Network)
	} else if _, err := eng.CreateNetwork("mesh"); err != nil {
		return fmt.Errorf("create network: %w", err)
	}

	eng.OnEvent(eventLogger(logger))

	if cfg.NATSURL != "" {
		nc, err := eventbridge.Dial(cfg.NATSURL, "meshctl", logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()

		bcfg := eventbridge.DefaultConfig()
		bcfg.Prefix = cfg.NATSPrefix
		bcfg.Logger = logger.With("component", "eventbridge")
		bridge := eventbridge.New(nc, bcfg)
		bridge.Start(ctx)
		defer bridge.Stop()
		eng.OnEvent(func(ev service.Event) { bridge.Handle(ev) })
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()
	logger.Info("engine started", "state", eng.State())

	if cfg.Interactive {
		sh, err := shell.New(eng)
		if err != nil {
			return err
		}
		out.set(sh.Stdout())
		go sh.Run(ctx, cancel)
	} else if _, err := eng.StartScan(ctx, 0); err != nil {
		logger.Warn("scan failed to start", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func openTransport(cfg Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "ble":
		t, err := ble.New(ble.Config{Logger: logger.With("component", "ble")})
		if err != nil {
			return nil, fmt.Errorf("open bluetooth adapter: %w", err)
		}
		return t, nil
	default:
		radio := meshsim.New(meshsim.Config{Logger: logger.With("component", "sim")})
		for i := 0; i < cfg.SimDevices; i++ {
			addr := fmt.Sprintf("5E:00:00:00:00:%02X", i+1)
			radio.Add(meshsim.NewDevice(addr, uuid.New(), 1))
		}
		logger.Info("simulated devices on air", "count", cfg.SimDevices)
		return radio, nil
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// eventLogger logs the engine events an operator cares about.
func eventLogger(logger *slog.Logger) service.EventHandler {
	return func(ev service.Event) {
		switch e := ev.(type) {
		case service.EventLinkStateChanged:
			logger.Info("link", "address", e.Address, "state", e.State)
		case service.EventAdapterStateChanged:
			logger.Info("adapter", "state", e.State)
		case service.EventLivenessChanged:
			online := 0
			for _, n := range e.Nodes {
				if n.Online {
					online++
				}
			}
			logger.Info("liveness", "nodes", len(e.Nodes), "online", online)
		case service.EventModelMessage:
			logger.Info("message",
				"src", fmt.Sprintf("0x%04X", e.Src),
				"dst", fmt.Sprintf("0x%04X", e.Dst),
				"opcode", fmt.Sprintf("0x%X", uint32(e.Opcode)),
				"params", len(e.Params))
		case service.EventScanUpdated:
			logger.Debug("scan", "unprovisioned", len(e.Unprovisioned), "provisioned", len(e.Provisioned))
		}
	}
}
