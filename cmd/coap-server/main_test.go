package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/homecenter/coap-server/pkg/config"
	"github.com/homecenter/coap-server/pkg/log"
	"github.com/homecenter/coap-server/pkg/transport"
)

func TestLoadConfigFlagsOverride(t *testing.T) {
	cfg, err := loadConfig(Flags{
		UDPPort:     15683,
		Security:    "psk",
		PSKIdentity: "coap",
		PSKKey:      "secretPSK",
		MetricsAddr: "127.0.0.1:9200",
		Advertise:   true,
	})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Server.UDPPort != 15683 {
		t.Errorf("UDPPort = %d, want 15683", cfg.Server.UDPPort)
	}
	if cfg.Server.SecurePort != transport.DefaultSecurePort {
		t.Errorf("SecurePort = %d, want default", cfg.Server.SecurePort)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != "127.0.0.1:9200" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if !cfg.Discovery.Enabled {
		t.Error("Discovery not enabled")
	}
}

func TestLoadConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := []byte("server:\n  udp_port: 6000\nlogging:\n  level: warn\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(Flags{ConfigFile: path, LogLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Server.UDPPort != 6000 {
		t.Errorf("UDPPort = %d, want 6000", cfg.Server.UDPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfigRejectsBadFlags(t *testing.T) {
	if _, err := loadConfig(Flags{Security: "kerberos"}); err == nil {
		t.Error("loadConfig() accepted unknown security mode")
	}
	if _, err := loadConfig(Flags{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("loadConfig() accepted missing file")
	}
}

func TestServerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Transports = []string{"udp", "dtls"}
	cfg.Server.BlockSize = 256
	cfg.Security.Mode = "psk"
	cfg.Security.PSK.Key = "secretPSK"
	cfg.Multicast.Enabled = true
	cfg.Multicast.Groups = []string{"224.0.1.187"}

	sc, err := serverConfig(cfg, nil)
	if err != nil {
		t.Fatalf("serverConfig() error = %v", err)
	}
	if len(sc.Transports) != 2 || sc.Transports[1] != transport.KindDTLS {
		t.Errorf("Transports = %v", sc.Transports)
	}
	if sc.Security == nil || sc.Security.Mode != transport.SecurityPSK {
		t.Errorf("Security = %+v", sc.Security)
	}
	if sc.BlockSZX != 4 {
		t.Errorf("BlockSZX = %d, want 4", sc.BlockSZX)
	}
	if len(sc.Multicast) != 1 || !sc.Multicast[0].IsMulticast() {
		t.Errorf("Multicast = %v", sc.Multicast)
	}

	cfg.Security.PSK.Key = ""
	if _, err := serverConfig(cfg, nil); err == nil {
		t.Error("serverConfig() accepted psk mode without a key")
	}
}

type captureLogger struct{ events []log.Event }

func (c *captureLogger) Log(e log.Event) { c.events = append(c.events, e) }

func TestProtocolLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if got := protocolLogger(nil, logger, "info"); got != nil {
		t.Errorf("protocolLogger(no file, info) = %T, want nil", got)
	}

	capture := &captureLogger{}
	if got := protocolLogger(capture, logger, "info"); got != log.Logger(capture) {
		t.Errorf("protocolLogger(file, info) = %T, want the capture logger", got)
	}

	if _, ok := protocolLogger(nil, logger, "debug").(*log.SlogAdapter); !ok {
		t.Error("protocolLogger(no file, debug) is not a SlogAdapter")
	}

	both := protocolLogger(capture, logger, "debug")
	if _, ok := both.(*log.MultiLogger); !ok {
		t.Fatalf("protocolLogger(file, debug) = %T, want *log.MultiLogger", both)
	}
	both.Log(log.Event{SessionID: "3f2a9c1e", Direction: log.DirectionIn, Layer: log.LayerMessage, Category: log.CategoryMessage})
	if len(capture.events) != 1 {
		t.Errorf("capture got %d events, want 1", len(capture.events))
	}
	if !strings.Contains(buf.String(), "3f2a9c1e") {
		t.Errorf("console output missing the event: %q", buf.String())
	}
}
