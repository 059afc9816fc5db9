package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const envPrefix = "NLRT_"

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Transport TransportConfig `koanf:"transport"`
	Protocol  ProtocolConfig  `koanf:"protocol"`
	Table     TableConfig     `koanf:"table"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Journal   JournalConfig   `koanf:"journal"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type TransportConfig struct {
	// Kind is "unixgram" or "netlink".
	Kind      string `koanf:"kind"`
	SocketDir string `koanf:"socket_dir"`
	// Family is the netlink protocol number (kind netlink only).
	Family int `koanf:"family"`
	// Identity is the daemon's own address; 0 is the privileged peer.
	Identity     uint32 `koanf:"identity"`
	PeerIdentity uint32 `koanf:"peer_identity"`
}

type ProtocolConfig struct {
	AckTimeoutMs int `koanf:"ack_timeout_ms"`
}

type TableConfig struct {
	// MaxEntries bounds the table; 0 means unbounded.
	MaxEntries int `koanf:"max_entries"`
}

type PostgresConfig struct {
	Enabled  bool   `koanf:"enabled"`
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type KafkaConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type JournalConfig struct {
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "nlrtd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Transport: TransportConfig{
			Kind:      "unixgram",
			SocketDir: filepath.Join(os.TempDir(), "nlrt"),
			Family:    31,
		},
		Protocol: ProtocolConfig{
			AckTimeoutMs: 2000,
		},
		Table: TableConfig{
			MaxEntries: 65536,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Kafka: KafkaConfig{
			ClientID: "nlrtd",
			Topic:    "nlrt.route-events",
		},
		Journal: JournalConfig{
			BatchSize:             100,
			FlushIntervalMs:       200,
			ChannelBufferSize:     1024,
			StoreRawBytes:         true,
			StoreRawBytesCompress: true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

// Load reads path (YAML, or TOML by extension) if given, overlays the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		var parser koanf.Parser = yaml.Parser()
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			parser = TOMLParser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: NLRT_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "unixgram":
		if c.Transport.SocketDir == "" {
			return fmt.Errorf("config: transport.socket_dir is required for unixgram")
		}
	case "netlink":
		if c.Transport.Family <= 0 || c.Transport.Family >= 32 {
			return fmt.Errorf("config: transport.family must be in 1-31 (got %d)", c.Transport.Family)
		}
	default:
		return fmt.Errorf("config: transport.kind must be unixgram or netlink (got %q)", c.Transport.Kind)
	}
	if c.Protocol.AckTimeoutMs <= 0 {
		return fmt.Errorf("config: protocol.ack_timeout_ms must be > 0 (got %d)", c.Protocol.AckTimeoutMs)
	}
	if c.Table.MaxEntries < 0 {
		return fmt.Errorf("config: table.max_entries must be >= 0 (got %d)", c.Table.MaxEntries)
	}
	if c.Postgres.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when postgres is enabled")
		}
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("config: kafka.topic is required when kafka is enabled")
		}
	}
	if c.Journal.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: journal.flush_interval_ms must be > 0 (got %d)", c.Journal.FlushIntervalMs)
	}
	if c.Journal.BatchSize <= 0 {
		return fmt.Errorf("config: journal.batch_size must be > 0 (got %d)", c.Journal.BatchSize)
	}
	if c.Journal.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: journal.channel_buffer_size must be > 0 (got %d)", c.Journal.ChannelBufferSize)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// ValidateServe checks settings that only matter to the daemon. On a netlink
// transport port id 0 belongs to the kernel, so the daemon needs its own.
func (c *Config) ValidateServe() error {
	if c.Transport.Kind == "netlink" && c.Transport.Identity == 0 {
		return fmt.Errorf("config: transport.identity must be nonzero for netlink (port id 0 is the kernel)")
	}
	return nil
}

// AckTimeout returns protocol.ack_timeout_ms as a duration.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Protocol.AckTimeoutMs) * time.Millisecond
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
