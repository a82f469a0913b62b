package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ferrobank/teller/internal/platform/config"
)

// Config holds the teller runtime configuration, loaded from TELLER_*
// environment variables.
type Config struct {
	// Port is the gRPC listen port for the health endpoint.
	Port int `env:"TELLER_PORT" envDefault:"8090"`
	// DBPath locates the SQLite database file.
	DBPath string `env:"TELLER_DB_PATH" envDefault:"data/teller.db"`
	// RedisAddr is the Redis host:port the bus connects to.
	RedisAddr string `env:"TELLER_REDIS_ADDR" envDefault:"localhost:6379"`

	// Group names the consumer group shared by all teller instances.
	Group string `env:"TELLER_CONSUMER_GROUP" envDefault:"teller"`
	// ConsumerID uniquely names this instance inside the group. Defaults
	// to a random id per process.
	ConsumerID string `env:"TELLER_CONSUMER_ID"`
	// Partitions is the partition count per topic. All instances and
	// publishers must agree on it.
	Partitions int `env:"TELLER_PARTITIONS" envDefault:"8"`
	// ExpectedConsumers is the group size the startup readiness gate
	// waits for before serving.
	ExpectedConsumers int `env:"TELLER_EXPECTED_CONSUMERS" envDefault:"1"`
	// ReadyTimeout bounds the startup readiness wait.
	ReadyTimeout time.Duration `env:"TELLER_READY_TIMEOUT" envDefault:"30s"`

	// TransferTopic, AccountTopic, and DepositTopic name the broker
	// topics per event domain.
	TransferTopic string `env:"TELLER_TRANSFER_TOPIC" envDefault:"transfer-events"`
	AccountTopic  string `env:"TELLER_ACCOUNT_TOPIC" envDefault:"account-events"`
	DepositTopic  string `env:"TELLER_DEPOSIT_TOPIC" envDefault:"deposit-events"`
	// CommandTopic names the inbound command topic.
	CommandTopic string `env:"TELLER_COMMAND_TOPIC" envDefault:"teller-commands"`

	// LogLevel sets the zerolog level (trace, debug, info, warn, error).
	LogLevel string `env:"TELLER_LOG_LEVEL" envDefault:"info"`
}

// LoadConfig parses and validates the runtime configuration.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.ConsumerID) == "" {
		cfg.ConsumerID = "teller-" + uuid.NewString()
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db path is required")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive")
	}
	if c.ExpectedConsumers <= 0 {
		return fmt.Errorf("expected consumer count must be positive")
	}
	if strings.TrimSpace(c.CommandTopic) == "" {
		return fmt.Errorf("command topic is required")
	}
	return nil
}

// topics maps event domains onto configured topic names.
func (c Config) topics() map[string]string {
	return map[string]string{
		"transfer": c.TransferTopic,
		"account":  c.AccountTopic,
		"deposit":  c.DepositTopic,
	}
}
