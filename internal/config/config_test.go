package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Transport: TransportConfig{
			Kind:      "unixgram",
			SocketDir: "/tmp/nlrt",
			Family:    31,
		},
		Protocol: ProtocolConfig{AckTimeoutMs: 1000},
		Table:    TableConfig{MaxEntries: 16},
		Postgres: PostgresConfig{
			Enabled:  true,
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Kafka: KafkaConfig{
			Enabled: true,
			Brokers: []string{"localhost:9092"},
			Topic:   "nlrt.route-events",
		},
		Journal: JournalConfig{
			BatchSize:         1000,
			FlushIntervalMs:   200,
			ChannelBufferSize: 16,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate, got: %v", err)
	}
}

func TestValidate_UnknownTransport(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Kind = "tcp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown transport kind")
	}
}

func TestValidate_NoSocketDir(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.SocketDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty socket_dir")
	}
}

func TestValidate_NetlinkFamilyOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Kind = "netlink"
	cfg.Transport.Family = 32
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for family 32")
	}
	cfg.Transport.Family = 31
	if err := cfg.Validate(); err != nil {
		t.Fatalf("family 31 should be valid: %v", err)
	}
}

func TestValidate_AckTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Protocol.AckTimeoutMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero ack_timeout_ms")
	}
}

func TestValidate_NegativeMaxEntries(t *testing.T) {
	cfg := validConfig()
	cfg.Table.MaxEntries = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative max_entries")
	}
}

func TestValidate_NoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestValidate_NoBrokersKafkaDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Enabled = false
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("brokers not required when kafka disabled: %v", err)
	}
}

func TestValidate_NoTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_NoDSNPostgresDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Enabled = false
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DSN not required when postgres disabled: %v", err)
	}
}

func TestValidate_FlushIntervalZero(t *testing.T) {
	cfg := validConfig()
	cfg.Journal.FlushIntervalMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero flush interval")
	}
}

func TestValidate_FlushIntervalNegative(t *testing.T) {
	cfg := validConfig()
	cfg.Journal.FlushIntervalMs = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative flush interval")
	}
}

func TestValidate_BatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Journal.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}

func TestValidate_ChannelBufferSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Journal.ChannelBufferSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero channel buffer size")
	}
}

func TestValidate_RetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Days = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero retention days")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero shutdown timeout")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "Not/A/Timezone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_ValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "America/New_York"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid timezone, got error: %v", err)
	}
}

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	return writeConfig(t, "config.yaml", `
transport:
  kind: "unixgram"
  socket_dir: "/tmp/nlrt-test"
postgres:
  enabled: true
  dsn: "postgres://localhost/test"
`)
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport.SocketDir != "/tmp/nlrt-test" {
		t.Errorf("socket_dir %q", cfg.Transport.SocketDir)
	}
	if !cfg.Postgres.Enabled || cfg.Postgres.DSN != "postgres://localhost/test" {
		t.Errorf("postgres %+v", cfg.Postgres)
	}
	// Unset keys keep their defaults.
	if cfg.Journal.BatchSize != 100 || cfg.Protocol.AckTimeoutMs != 2000 {
		t.Errorf("defaults lost: journal %+v protocol %+v", cfg.Journal, cfg.Protocol)
	}
}

func TestLoad_TOML(t *testing.T) {
	p := writeConfig(t, "config.toml", `
[service]
log_level = "debug"

[transport]
kind = "netlink"
family = 30
identity = 0
peer_identity = 0

[table]
max_entries = 8

[kafka]
enabled = true
brokers = ["k1:9092", "k2:9092"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("log_level %q", cfg.Service.LogLevel)
	}
	if cfg.Transport.Kind != "netlink" || cfg.Transport.Family != 30 {
		t.Errorf("transport %+v", cfg.Transport)
	}
	if cfg.Table.MaxEntries != 8 {
		t.Errorf("max_entries %d", cfg.Table.MaxEntries)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Topic != "nlrt.route-events" {
		t.Errorf("topic default lost: %q", cfg.Kafka.Topic)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	p := writeConfig(t, "config.toml", "[service\nlog_level = ")
	if _, err := Load(p); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("NLRT_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("NLRT_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvBrokersCommaSeparated(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("NLRT_KAFKA__ENABLED", "true")
	t.Setenv("NLRT_KAFKA__BROKERS", "a:9092,b:9092")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "a:9092" {
		t.Errorf("kafka %+v", cfg.Kafka)
	}
}

func TestLoad_EnvEmptyDSNFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("NLRT_POSTGRES__DSN", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty dsn via env")
	}
}

func TestAckTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Protocol.AckTimeoutMs = 1500
	if got := cfg.AckTimeout().Milliseconds(); got != 1500 {
		t.Errorf("AckTimeout = %dms", got)
	}
}

func TestBuildSASLMechanism(t *testing.T) {
	k := KafkaConfig{}
	if k.BuildSASLMechanism() != nil {
		t.Error("disabled SASL should return nil")
	}
	k.SASL = SASLConfig{Enabled: true, Mechanism: "plain", Username: "u", Password: "p"}
	m := k.BuildSASLMechanism()
	if m == nil || m.Name() != "PLAIN" {
		t.Errorf("mechanism %v", m)
	}
}

func TestBuildTLSConfig_Disabled(t *testing.T) {
	k := KafkaConfig{}
	cfg, err := k.BuildTLSConfig()
	if err != nil || cfg != nil {
		t.Errorf("got %v, %v", cfg, err)
	}
}

func TestValidateServe_NetlinkNeedsIdentity(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.Kind = "netlink"
	cfg.Transport.Identity = 0
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("expected error for netlink with identity 0")
	}

	cfg.Transport.Identity = 4000
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Transport.Kind = "unixgram"
	cfg.Transport.Identity = 0
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("unixgram with identity 0: %v", err)
	}
}
