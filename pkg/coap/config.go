package coap

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/oscore"
	"github.com/backkem/coap/pkg/sched"
	"github.com/backkem/coap/pkg/storage"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Default configuration values.
const (
	// DefaultBlockSize is the preferred block size in bytes.
	DefaultBlockSize = 1024

	// DefaultMaxPayloadSize bounds reassembled bodies.
	DefaultMaxPayloadSize = 64 * 1024

	// DefaultMaxAge is the freshness of a notification without Max-Age
	// (RFC 7252 Section 5.10.5).
	DefaultMaxAge = 60 * time.Second
)

// Config holds all configuration for an Endpoint. It is resolved once at
// construction; later changes have no effect.
type Config struct {
	// Network
	Port       int  // UDP/TCP port (default: 5683)
	AnyPort    bool // Bind a system-assigned port, for clients
	UDP        bool // Serve UDP
	TCP        bool // Serve TCP (RFC 8323)
	TCPSendCSM bool // Open TCP connections with a CSM frame

	MaxMessageSize int // Datagram limit in both directions (default: 1152)

	// Block-wise transfer (RFC 7959)
	BlockWise      bool // Split and reassemble large bodies
	BlockSize      int  // Preferred block size, 16..1024 (default: 1024)
	MaxPayloadSize int  // Largest reassembled body (default: 64 KiB)

	// Observe (RFC 7641)
	Observe                  bool // Enable observations
	ObserveCancelOnTimeout   bool // Cancel an observation when its exchange times out
	ObservePersistence       bool // Allow persisting observations
	NotifyCacheSize          int  // Sent notifications remembered for resets (default: 4)
	ConfirmableNotifications bool // Send notifications as CON

	// OSCORE (RFC 8613)
	OSCORE   bool
	Security []SecurityConfig

	// Responses
	DiagnosticMessages bool // Add diagnostic payloads to error responses

	// Concurrency
	ThreadSafe bool // Share a mutex between components (default: true)

	// Transmission parameters (RFC 7252 Section 4.8)
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
	ResponseTimeout time.Duration
	TokenLength     int

	// Logging
	LogLevel string // error, warn, info, debug or trace

	// Callbacks - Optional
	OnNotification func(obs observe.Observation, msg *message.Message) // notifications for restored observations

	// Advanced - Internal use / Testing
	Sender        exchange.Sender       // Replaces the built-in transports
	Scheduler     sched.Scheduler       // Default: a TimerScheduler
	Storage       storage.Storage       // Persists observations and OSCORE sequence numbers
	Metrics       Metrics               // Optional
	Random        exchange.RandomSource // Retransmission jitter
	LoggerFactory logging.LoggerFactory
}

// SecurityConfig describes one OSCORE security context. Byte fields are
// hex strings so they can be written in TOML.
type SecurityConfig struct {
	// Peer binds the context to a peer address ("udp:host:port" or
	// "tcp:host:port"). Requests to that peer are protected.
	Peer string `toml:"peer"`

	MasterSecret string `toml:"master_secret"`
	MasterSalt   string `toml:"master_salt"`
	SenderID     string `toml:"sender_id"`
	RecipientID  string `toml:"recipient_id"`
	IDContext    string `toml:"id_context"`
	ReplayWindow int    `toml:"replay_window"`
}

// DefaultConfig returns a configuration with every feature enabled over
// UDP.
func DefaultConfig() Config {
	return Config{
		Port:            transport.DefaultPort,
		UDP:             true,
		BlockWise:       true,
		BlockSize:       DefaultBlockSize,
		MaxPayloadSize:  DefaultMaxPayloadSize,
		Observe:         true,
		NotifyCacheSize: observe.DefaultNotifyCacheSize,
		ThreadSafe:      true,
		LogLevel:        "info",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Sender == nil && !c.UDP && !c.TCP {
		return fmt.Errorf("%w: no transport enabled", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 0xFFFF {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if c.BlockSize != 0 && (c.BlockSize < 16 || c.BlockSize > 1024 || c.BlockSize&(c.BlockSize-1) != 0) {
		return fmt.Errorf("%w: block size %d is not a power of two in 16..1024", ErrInvalidConfig, c.BlockSize)
	}
	if c.TokenLength < 0 || c.TokenLength > message.MaxTokenLength {
		return fmt.Errorf("%w: token length %d", ErrInvalidConfig, c.TokenLength)
	}
	if c.MaxPayloadSize < 0 || c.NotifyCacheSize < 0 || c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidConfig)
	}
	if c.MaxMessageSize != 0 {
		blockSize := c.BlockSize
		if blockSize == 0 {
			blockSize = DefaultBlockSize
		}
		// A full block plus header, token and options must fit a datagram.
		if c.MaxMessageSize < blockSize+128 || c.MaxMessageSize > 65507 {
			return fmt.Errorf("%w: max message size %d with block size %d", ErrInvalidConfig, c.MaxMessageSize, blockSize)
		}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if len(c.Security) > 0 && !c.OSCORE {
		return fmt.Errorf("%w: security contexts given with OSCORE disabled", ErrInvalidConfig)
	}
	for i := range c.Security {
		if _, err := c.Security[i].context(); err != nil {
			return fmt.Errorf("security[%d]: %w", i, err)
		}
		if c.Security[i].Peer != "" {
			if _, err := ParsePeer(c.Security[i].Peer); err != nil {
				return fmt.Errorf("security[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = transport.DefaultPort
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.NotifyCacheSize == 0 {
		c.NotifyCacheSize = observe.DefaultNotifyCacheSize
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.LoggerFactory == nil && c.LogLevel != "" {
		level, _ := ParseLogLevel(c.LogLevel)
		lf := logging.NewDefaultLoggerFactory()
		lf.DefaultLogLevel = level
		c.LoggerFactory = lf
	}
}

// Params returns the exchange transmission parameters.
func (c *Config) Params() exchange.Params {
	return exchange.Params{
		AckTimeout:      c.AckTimeout,
		AckRandomFactor: c.AckRandomFactor,
		MaxRetransmit:   c.MaxRetransmit,
		ResponseTimeout: c.ResponseTimeout,
	}
}

// context converts the hex fields to an oscore.Config.
func (s *SecurityConfig) context() (oscore.Config, error) {
	var (
		out oscore.Config
		err error
	)
	fields := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"master_secret", s.MasterSecret, &out.MasterSecret},
		{"master_salt", s.MasterSalt, &out.MasterSalt},
		{"sender_id", s.SenderID, &out.SenderID},
		{"recipient_id", s.RecipientID, &out.RecipientID},
		{"id_context", s.IDContext, &out.IDContext},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if *f.dst, err = hex.DecodeString(strings.TrimSpace(f.src)); err != nil {
			return oscore.Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, f.name, err)
		}
	}
	if out.SenderID == nil {
		out.SenderID = []byte{}
	}
	if out.RecipientID == nil {
		out.RecipientID = []byte{}
	}
	out.ReplayWindow = s.ReplayWindow
	if err := out.Validate(); err != nil {
		return oscore.Config{}, err
	}
	return out, nil
}

// ParsePeer resolves a peer address such as "udp:host:port",
// "coap+tcp://host" or "coap://host:5683". See transport.ParsePeer.
func ParsePeer(s string) (transport.PeerAddress, error) {
	peer, err := transport.ParsePeer(s)
	if err != nil {
		return transport.PeerAddress{}, fmt.Errorf("%w: peer %q: %v", ErrInvalidConfig, s, err)
	}
	return peer, nil
}

// ParseLogLevel maps a level name to a pion log level.
func ParseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
}

// fileConfig is the TOML form of Config. Durations are strings
// ("2s", "500ms").
type fileConfig struct {
	Port       int  `toml:"port"`
	AnyPort    bool `toml:"any_port"`
	UDP        bool `toml:"udp"`
	TCP        bool `toml:"tcp"`
	TCPSendCSM bool `toml:"tcp_send_csm"`

	MaxMessageSize int `toml:"max_message_size"`

	BlockWise      bool `toml:"block_wise"`
	BlockSize      int  `toml:"block_size"`
	MaxPayloadSize int  `toml:"max_payload_size"`

	Observe                  bool `toml:"observe"`
	ObserveCancelOnTimeout   bool `toml:"observe_cancel_on_timeout"`
	ObservePersistence       bool `toml:"observe_persistence"`
	NotifyCacheSize          int  `toml:"notify_cache_size"`
	ConfirmableNotifications bool `toml:"confirmable_notifications"`

	OSCORE   bool             `toml:"oscore"`
	Security []SecurityConfig `toml:"security"`

	DiagnosticMessages bool   `toml:"diagnostic_messages"`
	ThreadSafe         bool   `toml:"thread_safe"`
	LogLevel           string `toml:"log_level"`

	AckTimeout      string  `toml:"ack_timeout"`
	AckRandomFactor float64 `toml:"ack_random_factor"`
	MaxRetransmit   int     `toml:"max_retransmit"`
	ResponseTimeout string  `toml:"response_timeout"`
	TokenLength     int     `toml:"token_length"`
}

// LoadConfig reads a TOML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return mergeConfig(raw, meta)
}

// ParseConfig reads TOML text over DefaultConfig.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return mergeConfig(raw, meta)
}

func mergeConfig(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}
	cfg := DefaultConfig()

	setInt := func(key string, dst *int, v int) {
		if meta.IsDefined(key) {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool, v bool) {
		if meta.IsDefined(key) {
			*dst = v
		}
	}

	setInt("port", &cfg.Port, raw.Port)
	setBool("any_port", &cfg.AnyPort, raw.AnyPort)
	setBool("udp", &cfg.UDP, raw.UDP)
	setBool("tcp", &cfg.TCP, raw.TCP)
	setBool("tcp_send_csm", &cfg.TCPSendCSM, raw.TCPSendCSM)
	setInt("max_message_size", &cfg.MaxMessageSize, raw.MaxMessageSize)
	setBool("block_wise", &cfg.BlockWise, raw.BlockWise)
	setInt("block_size", &cfg.BlockSize, raw.BlockSize)
	setInt("max_payload_size", &cfg.MaxPayloadSize, raw.MaxPayloadSize)
	setBool("observe", &cfg.Observe, raw.Observe)
	setBool("observe_cancel_on_timeout", &cfg.ObserveCancelOnTimeout, raw.ObserveCancelOnTimeout)
	setBool("observe_persistence", &cfg.ObservePersistence, raw.ObservePersistence)
	setInt("notify_cache_size", &cfg.NotifyCacheSize, raw.NotifyCacheSize)
	setBool("confirmable_notifications", &cfg.ConfirmableNotifications, raw.ConfirmableNotifications)
	setBool("oscore", &cfg.OSCORE, raw.OSCORE)
	setBool("diagnostic_messages", &cfg.DiagnosticMessages, raw.DiagnosticMessages)
	setBool("thread_safe", &cfg.ThreadSafe, raw.ThreadSafe)
	setInt("max_retransmit", &cfg.MaxRetransmit, raw.MaxRetransmit)
	setInt("token_length", &cfg.TokenLength, raw.TokenLength)

	if meta.IsDefined("security") {
		cfg.Security = raw.Security
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("ack_random_factor") {
		cfg.AckRandomFactor = raw.AckRandomFactor
	}
	for _, d := range []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"ack_timeout", raw.AckTimeout, &cfg.AckTimeout},
		{"response_timeout", raw.ResponseTimeout, &cfg.ResponseTimeout},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.src))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
