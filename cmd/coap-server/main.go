// Command coap-server serves the Espressif resource over CoAP.
//
// The server opens UDP and TCP endpoints on the plain port and, when
// credentials are configured, DTLS and TLS endpoints on the secure port.
// Every endpoint can be advertised over DNS-SD.
//
// Usage:
//
//	coap-server [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-udp-port int         Plain port for UDP and TCP (default 5683)
//	-secure-port int      Secure port for DTLS and TLS (default 5684)
//	-security string      Security mode: none, psk, pki
//	-psk-identity string  PSK identity hint
//	-psk-key string       PSK key for any identity
//	-log-level string     Log level: debug, info, warn, error
//	-protocol-log string  Capture protocol events to this file (CBOR)
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-advertise            Advertise endpoints over DNS-SD
//	-interactive          Start the interactive console
//
// Examples:
//
//	# Plain endpoints only
//	coap-server
//
//	# DTLS with a pre-shared key
//	coap-server -security psk -psk-identity coap -psk-key secretPSK
//
//	# Everything from a file, with the console
//	coap-server -config /etc/coap-server.yaml -interactive
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/homecenter/coap-server/cmd/coap-server/interactive"
	"github.com/homecenter/coap-server/pkg/actuator"
	"github.com/homecenter/coap-server/pkg/config"
	"github.com/homecenter/coap-server/pkg/discovery"
	"github.com/homecenter/coap-server/pkg/espressif"
	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/metrics"
	"github.com/homecenter/coap-server/pkg/persistence"
	"github.com/homecenter/coap-server/pkg/server"
)

// Flags override the configuration file.
type Flags struct {
	ConfigFile  string
	UDPPort     int
	SecurePort  int
	Security    string
	PSKIdentity string
	PSKKey      string
	LogLevel    string
	ProtocolLog string
	MetricsAddr string
	Advertise   bool
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path (YAML)")
	flag.IntVar(&flags.UDPPort, "udp-port", 0, "Plain port for UDP and TCP (default 5683)")
	flag.IntVar(&flags.SecurePort, "secure-port", 0, "Secure port for DTLS and TLS (default 5684)")
	flag.StringVar(&flags.Security, "security", "", "Security mode: none, psk, pki")
	flag.StringVar(&flags.PSKIdentity, "psk-identity", "", "PSK identity hint")
	flag.StringVar(&flags.PSKKey, "psk-key", "", "PSK key for any identity")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "Capture protocol events to this file (CBOR)")
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&flags.Advertise, "advertise", false, "Advertise endpoints over DNS-SD")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Start the interactive console")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, flags.Interactive); err != nil {
		fmt.Fprintf(os.Stderr, "coap-server: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file, if any, and applies the flags on top.
func loadConfig(f Flags) (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		loaded, err := config.Load(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.UDPPort != 0 {
		cfg.Server.UDPPort = f.UDPPort
	}
	if f.SecurePort != 0 {
		cfg.Server.SecurePort = f.SecurePort
	}
	if f.Security != "" {
		cfg.Security.Mode = f.Security
	}
	if f.PSKIdentity != "" {
		cfg.Security.PSK.IdentityHint = f.PSKIdentity
	}
	if f.PSKKey != "" {
		cfg.Security.PSK.Key = f.PSKKey
	}
	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
	}
	if f.ProtocolLog != "" {
		cfg.Logging.ProtocolLog = f.ProtocolLog
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.MetricsAddr
	}
	if f.Advertise {
		cfg.Discovery.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, console bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var term *interactive.Console
	if console {
		var err error
		term, err = interactive.New()
		if err != nil {
			return err
		}
		cfg.Logging.Format = "text"
	}

	logger := cfg.Logging.NewLogger()
	if term != nil {
		level, _ := config.ParseLevel(cfg.Logging.Level)
		logger = slog.New(slog.NewTextHandler(term.Stderr(), &slog.HandlerOptions{Level: level}))
	}
	logger.Info("Espressif CoAP server starting")

	var capture log.Logger
	if cfg.Logging.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.Logging.ProtocolLog)
		if err != nil {
			return fmt.Errorf("protocol log: %w", err)
		}
		defer fl.Close()
		capture = fl
		logger.Info("protocol capture enabled", "file", cfg.Logging.ProtocolLog)
	}
	protoLog := protocolLogger(capture, logger, cfg.Logging.Level)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Address); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Address)
	}

	var store espressif.StateStore
	if cfg.Resource.StateFile != "" {
		st, err := persistence.Open(cfg.Resource.StateFile)
		if err != nil {
			return fmt.Errorf("state file: %w", err)
		}
		defer st.Close()
		w := persistence.NewWriter(st, logger)
		defer w.Close()
		store = w
	}

	worker := actuator.NewWorker(actuator.Config{
		Output:        actuator.OutputFunc(logOutput(logger)),
		PulseDuration: cfg.Resource.PulseDuration,
		Logger:        logger,
		OnCommand: func(cmd actuator.Command, err error) {
			if m != nil {
				m.ActuatorCommand(cmd.String(), err)
			}
			if err != nil {
				logger.Warn("actuator command failed", "command", cmd.String(), "error", err)
			}
		},
	})
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, actuator.ErrStopped) {
			logger.Error("actuator stopped", "error", err)
		}
	}()
	defer worker.Stop()

	res := espressif.New(espressif.Config{
		Actuator: worker,
		Store:    store,
		Logger:   logger,
	})

	srvCfg, err := serverConfig(cfg, logger)
	if err != nil {
		return err
	}
	srvCfg.Resources = []server.Registrar{res}
	srvCfg.Metrics = m
	srvCfg.ProtocolLogger = protoLog

	if cfg.Discovery.Enabled {
		adCfg := discovery.DefaultAdvertiserConfig()
		adCfg.Interface = cfg.Multicast.Interface
		adCfg.Logger = logger
		adv, err := discovery.NewMDNSAdvertiser(adCfg)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		defer adv.StopAll()
		srvCfg.Advertiser = adv
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if term != nil {
		go term.Run(ctx, cancel, &interactive.Target{
			Server:   srv,
			Resource: res,
			Actuator: worker,
		})
	}

	err = srv.Run(ctx)
	logger.Info("server stopped", "restarts", srv.Restarts())
	return err
}

// serverConfig converts the file configuration.
func serverConfig(cfg *config.Config, logger *slog.Logger) (server.Config, error) {
	kinds, err := cfg.Server.Kinds()
	if err != nil {
		return server.Config{}, err
	}
	sec, err := cfg.Security.Transport(server.LogCommonName(logger))
	if err != nil {
		return server.Config{}, err
	}

	sc := server.Config{
		Host:                 cfg.Server.Host,
		UDPPort:              cfg.Server.UDPPort,
		SecurePort:           cfg.Server.SecurePort,
		Transports:           kinds,
		Security:             sec,
		IdleTimeout:          cfg.Server.IdleTimeout,
		HandshakeTimeout:     cfg.Server.HandshakeTimeout,
		HousekeepingInterval: cfg.Server.HousekeepingInterval,
		MaxMessageSize:       cfg.Server.MaxMessageSize,
		MaxBodySize:          cfg.Server.MaxBodySize,
		MaxObservers:         cfg.Server.MaxObservers,
		BlockSZX:             cfg.Server.BlockSZX(),
		Instance:             cfg.Discovery.Instance,
		Logger:               logger,
	}

	if cfg.Multicast.Enabled {
		if sc.Multicast, err = cfg.Multicast.GroupIPs(); err != nil {
			return server.Config{}, err
		}
		if sc.Interface, err = cfg.Multicast.NetInterface(); err != nil {
			return server.Config{}, err
		}
	}
	return sc, nil
}

// protocolLogger echoes protocol events to the console at debug level,
// alongside the capture file when there is one.
func protocolLogger(capture log.Logger, logger *slog.Logger, level string) log.Logger {
	var console log.Logger
	if lvl, err := config.ParseLevel(level); err == nil && lvl <= slog.LevelDebug {
		console = log.NewSlogAdapter(logger)
	}
	return log.Combine(capture, console)
}

// logOutput stands in for the relay: it only logs transitions.
func logOutput(logger *slog.Logger) func(on bool) error {
	return func(on bool) error {
		if on {
			logger.Info("output ON")
		} else {
			logger.Info("output OFF")
		}
		return nil
	}
}
