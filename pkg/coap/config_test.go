package coap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(`
port = 5700
any_port = true
tcp = true
block_size = 256
observe_persistence = true
confirmable_notifications = true
oscore = true
log_level = "debug"
ack_timeout = "500ms"
response_timeout = "10s"
max_retransmit = 2
max_message_size = 1400

[[security]]
peer = "udp:127.0.0.1:5683"
master_secret = "0102030405060708090a0b0c0d0e0f10"
master_salt = "9e7ca92223786340"
sender_id = ""
recipient_id = "01"
`)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if cfg.Port != 5700 || !cfg.AnyPort || !cfg.TCP || !cfg.UDP {
		t.Errorf("network = port %d any %v udp %v tcp %v, want 5700 true true true", cfg.Port, cfg.AnyPort, cfg.UDP, cfg.TCP)
	}
	if cfg.BlockSize != 256 || !cfg.BlockWise {
		t.Errorf("block = %d enabled %v, want 256 true", cfg.BlockSize, cfg.BlockWise)
	}
	if !cfg.ObservePersistence || !cfg.ConfirmableNotifications || !cfg.Observe {
		t.Error("observe settings not applied")
	}
	if cfg.AckTimeout != 500*time.Millisecond || cfg.ResponseTimeout != 10*time.Second {
		t.Errorf("timeouts = %v %v, want 500ms 10s", cfg.AckTimeout, cfg.ResponseTimeout)
	}
	if cfg.MaxRetransmit != 2 {
		t.Errorf("MaxRetransmit = %d, want 2", cfg.MaxRetransmit)
	}
	if cfg.MaxMessageSize != 1400 {
		t.Errorf("MaxMessageSize = %d, want 1400", cfg.MaxMessageSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.Security) != 1 || cfg.Security[0].RecipientID != "01" {
		t.Fatalf("Security = %+v", cfg.Security)
	}

	ctx, err := cfg.Security[0].context()
	if err != nil {
		t.Fatalf("context() error = %v", err)
	}
	if len(ctx.SenderID) != 0 || len(ctx.MasterSalt) != 8 {
		t.Errorf("context = sender %x salt %x", ctx.SenderID, ctx.MasterSalt)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig("")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.Port != def.Port || cfg.UDP != def.UDP || cfg.BlockSize != def.BlockSize || cfg.ThreadSafe != def.ThreadSafe {
		t.Errorf("empty config = %+v, want defaults", cfg)
	}

	// Explicit false overrides a default of true.
	cfg, err = ParseConfig("block_wise = false\nthread_safe = false\n")
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.BlockWise || cfg.ThreadSafe {
		t.Errorf("block_wise %v thread_safe %v, want false false", cfg.BlockWise, cfg.ThreadSafe)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown key", "colour = 1"},
		{"bad duration", `ack_timeout = "soon"`},
		{"bad log level", `log_level = "loud"`},
		{"bad block size", "block_size = 100"},
		{"message size below a block", "max_message_size = 600"},
		{"no transport", "udp = false"},
		{"security without oscore", "[[security]]\nmaster_secret = \"01\"\nrecipient_id = \"01\""},
		{"bad hex", "oscore = true\n[[security]]\nmaster_secret = \"zz\"\nrecipient_id = \"01\""},
		{"syntax", "port = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig(tt.toml); err == nil {
				t.Errorf("ParseConfig(%q) succeeded", tt.toml)
			}
		})
	}

	if _, err := ParseConfig("colour = 1"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown key error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coap.toml")
	if err := os.WriteFile(path, []byte("port = 6000\nobserve = false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 6000 || cfg.Observe {
		t.Errorf("LoadConfig() = port %d observe %v, want 6000 false", cfg.Port, cfg.Observe)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig(missing) succeeded")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"tcp only", func(c *Config) { c.UDP, c.TCP = false, true }, false},
		{"sender without transports", func(c *Config) {
			c.UDP = false
			c.Sender = senderFunc(func([]byte, transport.PeerAddress) error { return nil })
		}, false},
		{"no transport", func(c *Config) { c.UDP = false }, true},
		{"negative port", func(c *Config) { c.Port = -1 }, true},
		{"block size too small", func(c *Config) { c.BlockSize = 8 }, true},
		{"block size too large", func(c *Config) { c.BlockSize = 2048 }, true},
		{"block size not power of two", func(c *Config) { c.BlockSize = 300 }, true},
		{"token too long", func(c *Config) { c.TokenLength = 9 }, true},
		{"negative payload", func(c *Config) { c.MaxPayloadSize = -1 }, true},
		{"message size fits a block", func(c *Config) { c.BlockSize, c.MaxMessageSize = 256, 400 }, false},
		{"message size below a block", func(c *Config) { c.MaxMessageSize = 1100 }, true},
		{"message size above a datagram", func(c *Config) { c.MaxMessageSize = 70000 }, true},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }, true},
		{"security with oscore", func(c *Config) {
			c.OSCORE = true
			c.Security = []SecurityConfig{{MasterSecret: "00ff", RecipientID: "01"}}
		}, false},
		{"same sender and recipient", func(c *Config) {
			c.OSCORE = true
			c.Security = []SecurityConfig{{MasterSecret: "00ff", SenderID: "01", RecipientID: "01"}}
		}, true},
		{"missing secret", func(c *Config) {
			c.OSCORE = true
			c.Security = []SecurityConfig{{RecipientID: "01"}}
		}, true},
		{"bad peer", func(c *Config) {
			c.OSCORE = true
			c.Security = []SecurityConfig{{Peer: "udp:nowhere", MasterSecret: "00ff", RecipientID: "01"}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePeer(t *testing.T) {
	tests := []struct {
		in      string
		want    transport.TransportType
		wantErr bool
	}{
		{"udp:127.0.0.1:5683", transport.TransportTypeUDP, false},
		{"coap://127.0.0.1:5683", transport.TransportTypeUDP, false},
		{"tcp:127.0.0.1:5683", transport.TransportTypeTCP, false},
		{"coap+tcp://[::1]:5683", transport.TransportTypeTCP, false},
		{"127.0.0.1:5683", transport.TransportTypeUDP, false},
		{"localhost", 0, true},
		{"udp:no-port", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePeer(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePeer(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.TransportType != tt.want {
				t.Errorf("ParsePeer(%q) = %s, want %s", tt.in, got.TransportType, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logging.LogLevel
	}{
		{"error", logging.LogLevelError},
		{"WARN", logging.LogLevelWarn},
		{" info ", logging.LogLevelInfo},
		{"debug", logging.LogLevelDebug},
		{"trace", logging.LogLevelTrace},
		{"off", logging.LogLevelDisabled},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ParseLogLevel(verbose) error = %v, want ErrInvalidConfig", err)
	}
}

func TestEndpointState(t *testing.T) {
	tests := []struct {
		state                EndpointState
		name                 string
		running, start, stop bool
	}{
		{EndpointStateInitialized, "Initialized", false, true, true},
		{EndpointStateStarting, "Starting", false, false, false},
		{EndpointStateRunning, "Running", true, false, true},
		{EndpointStateStopping, "Stopping", false, false, false},
		{EndpointStateClosed, "Closed", false, false, false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if tt.state.IsRunning() != tt.running || tt.state.CanStart() != tt.start || tt.state.CanStop() != tt.stop {
			t.Errorf("%s: running/start/stop = %v/%v/%v, want %v/%v/%v", tt.name,
				tt.state.IsRunning(), tt.state.CanStart(), tt.state.CanStop(), tt.running, tt.start, tt.stop)
		}
	}
}
