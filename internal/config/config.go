// Package config loads the relayer's YAML configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// Config is the complete relayer configuration.
type Config struct {
	Relays    []RelayConfig   `yaml:"relays"`
	Engine    EngineConfig    `yaml:"engine"`
	Poller    PollerConfig    `yaml:"poller"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Proof     ProofConfig     `yaml:"proof"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Status    StatusConfig    `yaml:"status"`
	Log       LogConfig       `yaml:"log"`
}

// RelayConfig is one route from a source chain channel to a destination.
type RelayConfig struct {
	Name        string        `yaml:"name"`
	SourceChain string        `yaml:"source_chain"`
	DestChain   string        `yaml:"dest_chain"`
	RPC         string        `yaml:"rpc"`
	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	Channel     string        `yaml:"channel"`
	Port        string        `yaml:"port"`
	// Peer is the relayer proofs are handed to: an mDNS node name or host:port.
	Peer string `yaml:"peer"`
	// SubmitterKey is the hex X25519 key witnesses are sealed for.
	SubmitterKey string `yaml:"submitter_key"`
	StartHeight  uint64 `yaml:"start_height"`
}

// Lane returns the lane the route serves.
func (r RelayConfig) Lane() string {
	return packet.Identity{SourceChain: r.SourceChain, DestChain: r.DestChain, Channel: r.Channel}.Lane()
}

// SubmitterPublicKey decodes SubmitterKey. It returns nil when unset.
func (r RelayConfig) SubmitterPublicKey() (*[32]byte, error) {
	if r.SubmitterKey == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(r.SubmitterKey)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("relay %s: submitter_key must be 32 hex-encoded bytes", r.Name)
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

func (r *RelayConfig) SetDefaults() {
	if r.Port == "" {
		r.Port = "transfer"
		slog.Warn("relay port not set, using default", "relay", r.Name, "port", r.Port)
	}
	if r.RPCTimeout <= 0 {
		r.RPCTimeout = 10 * time.Second
		slog.Warn("relay rpc_timeout not set, using default", "relay", r.Name, "rpc_timeout", r.RPCTimeout)
	}
}

func (r *RelayConfig) Validate() error {
	switch {
	case r.Name == "":
		return errors.New("relay name is required")
	case r.SourceChain == "" || r.DestChain == "":
		return fmt.Errorf("relay %s: source_chain and dest_chain are required", r.Name)
	case r.SourceChain == r.DestChain:
		return fmt.Errorf("relay %s: source_chain and dest_chain must differ", r.Name)
	case r.Channel == "":
		return fmt.Errorf("relay %s: channel is required", r.Name)
	case r.RPC == "":
		return fmt.Errorf("relay %s: rpc is required", r.Name)
	}
	_, err := r.SubmitterPublicKey()
	return err
}

// EngineConfig tunes the relay state machine.
type EngineConfig struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Retention      time.Duration `yaml:"retention"`
	QueueSize      int           `yaml:"queue_size"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
}

func (c *EngineConfig) SetDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
		slog.Warn("engine.workers not set, using default", "workers", c.Workers)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
		slog.Warn("engine.max_retries not set, using default", "max_retries", c.MaxRetries)
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
		slog.Warn("engine.backoff_initial not set, using default", "backoff_initial", c.BackoffInitial)
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
		slog.Warn("engine.backoff_max not set, using default", "backoff_max", c.BackoffMax)
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
		slog.Warn("engine.sweep_interval not set, using default", "sweep_interval", c.SweepInterval)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
		slog.Warn("engine.queue_size not set, using default", "queue_size", c.QueueSize)
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
}

func (c *EngineConfig) Validate() error {
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("engine.backoff_max (%s) is below backoff_initial (%s)", c.BackoffMax, c.BackoffInitial)
	}
	if c.Retention < 0 {
		return errors.New("engine.retention cannot be negative")
	}
	return nil
}

// PollerConfig tunes source chain polling.
type PollerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRange     uint64        `yaml:"max_range"`
	EventKinds   []string      `yaml:"event_kinds"`
	PauseAfter   int           `yaml:"pause_after"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
}

func (c *PollerConfig) SetDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
		slog.Warn("poller.poll_interval not set, using default", "poll_interval", c.PollInterval)
	}
	if c.MaxRange == 0 {
		c.MaxRange = 100
		slog.Warn("poller.max_range not set, using default", "max_range", c.MaxRange)
	}
	if len(c.EventKinds) == 0 {
		c.EventKinds = []string{packet.EventSendPacket}
	}
	if c.PauseAfter <= 0 {
		c.PauseAfter = 5
		slog.Warn("poller.pause_after not set, using default", "pause_after", c.PauseAfter)
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
}

// DecoderConfig bounds memo parsing.
type DecoderConfig struct {
	MaxDepth        int `yaml:"max_depth"`
	MaxInstructions int `yaml:"max_instructions"`
}

func (c *DecoderConfig) SetDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 32
		slog.Warn("decoder.max_depth not set, using default", "max_depth", c.MaxDepth)
	}
	if c.MaxInstructions <= 0 {
		c.MaxInstructions = 1024
		slog.Warn("decoder.max_instructions not set, using default", "max_instructions", c.MaxInstructions)
	}
}

// ProofConfig locates the proof keys.
type ProofConfig struct {
	KeyDir string `yaml:"key_dir"`
	// Version overrides the key directory's active version when non-zero.
	Version uint16 `yaml:"version"`
	Workers int    `yaml:"workers"`
}

func (c *ProofConfig) SetDefaults() {
	if c.KeyDir == "" {
		c.KeyDir = "keys"
		slog.Warn("proof.key_dir not set, using default", "key_dir", c.KeyDir)
	}
	if c.Workers <= 0 {
		c.Workers = 2
		slog.Warn("proof.workers not set, using default", "workers", c.Workers)
	}
}

// TransportConfig tunes peer sessions.
type TransportConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	QueueSize         int           `yaml:"queue_size"`
	MaxPayload        int           `yaml:"max_payload"`
	Discovery         bool          `yaml:"discovery"`
	NodeName          string        `yaml:"node_name"`
	BoxKeyFile        string        `yaml:"box_key_file"`
}

func (c *TransportConfig) SetDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
		slog.Warn("transport.heartbeat_interval not set, using default", "heartbeat_interval", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
		slog.Warn("transport.reconnect_attempts not set, using default", "reconnect_attempts", c.ReconnectAttempts)
	}
	if c.BoxKeyFile == "" {
		c.BoxKeyFile = "box.key"
	}
	if c.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = host
		} else {
			c.NodeName = "aerorelay"
		}
	}
}

func (c *TransportConfig) Validate() error {
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("transport.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxPayload < 0 {
		return errors.New("transport.max_payload cannot be negative")
	}
	return nil
}

// Store backends.
const (
	BackendGoLevelDB = "goleveldb"
	BackendMemDB     = "memdb"
	BackendPostgres  = "postgres"
)

// StoreConfig selects where relay records live.
type StoreConfig struct {
	Backend  string        `yaml:"backend"`
	Dir      string        `yaml:"dir"`
	DSN      string        `yaml:"dsn"`
	MaxConns int32         `yaml:"max_conns"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendGoLevelDB
		slog.Warn("store.backend not set, using default", "backend", c.Backend)
	}
	if c.Dir == "" {
		c.Dir = "data"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case BackendGoLevelDB, BackendMemDB:
		return nil
	case BackendPostgres:
		if c.DSN == "" {
			return errors.New("store.dsn is required for the postgres backend")
		}
		return nil
	default:
		return fmt.Errorf("unknown store.backend %q", c.Backend)
	}
}

// KafkaConfig configures the submitter bridge. An empty broker list disables
// it.
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	SubmitTopic       string        `yaml:"submit_topic"`
	ResultTopic       string        `yaml:"result_topic"`
	EventsTopic       string        `yaml:"events_topic"`
	GroupID           string        `yaml:"group_id"`
	BatchSize         int           `yaml:"batch_size"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	RequiredAcks      string        `yaml:"required_acks"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AutoOffsetReset   string        `yaml:"auto_offset_reset"`
}

// Enabled reports whether brokers are configured.
func (c *KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

func (c *KafkaConfig) SetDefaults() {
	if !c.Enabled() {
		return
	}
	if c.SubmitTopic == "" {
		c.SubmitTopic = "aerorelay.submissions"
		slog.Warn("kafka.submit_topic not set, using default", "submit_topic", c.SubmitTopic)
	}
	if c.ResultTopic == "" {
		c.ResultTopic = "aerorelay.results"
		slog.Warn("kafka.result_topic not set, using default", "result_topic", c.ResultTopic)
	}
	if c.GroupID == "" {
		c.GroupID = "aerorelay"
		slog.Warn("kafka.group_id not set, using default", "group_id", c.GroupID)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 100 * time.Millisecond
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "earliest"
	}
}

func (c *KafkaConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	switch c.RequiredAcks {
	case "none", "one", "all":
	default:
		return fmt.Errorf("kafka.required_acks must be none, one or all, got %q", c.RequiredAcks)
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("kafka.auto_offset_reset must be earliest or latest, got %q", c.AutoOffsetReset)
	}
	return nil
}

// StatusConfig configures the gRPC health endpoint. Empty disables it.
type StatusConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LogConfig) Validate() error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Format != "text" && c.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Format)
	}
	return nil
}

// SlogLevel returns the configured level.
func (c *LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	_ = l.UnmarshalText([]byte(c.Level))
	return l
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	for i := range c.Relays {
		c.Relays[i].SetDefaults()
	}
	c.Engine.SetDefaults()
	c.Poller.SetDefaults()
	c.Decoder.SetDefaults()
	c.Proof.SetDefaults()
	c.Transport.SetDefaults()
	c.Store.SetDefaults()
	c.Kafka.SetDefaults()
	c.Log.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return errors.New("at least one relay is required")
	}
	names := make(map[string]bool, len(c.Relays))
	lanes := make(map[string]bool, len(c.Relays))
	for i := range c.Relays {
		r := &c.Relays[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate relay name %q", r.Name)
		}
		if lanes[r.Lane()] {
			return fmt.Errorf("relay %s: lane %s is already served", r.Name, r.Lane())
		}
		names[r.Name] = true
		lanes[r.Lane()] = true
	}
	for _, v := range []interface{ Validate() error }{&c.Engine, &c.Transport, &c.Store, &c.Kafka, &c.Log} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads, defaults and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path of config file: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", absPath, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config '%s': %w", absPath, err)
	}
	return &cfg, nil
}
