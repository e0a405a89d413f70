package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// EnvPrefix is prepended to every environment override, e.g. GOTRS_INBOUND_INBOUND_FETCH_LIMIT.
const EnvPrefix = "GOTRS_INBOUND"

// Config represents the application configuration
type Config struct {
	Inbound       InboundConfig       `mapstructure:"inbound"`
	Threading     ThreadingConfig     `mapstructure:"threading"`
	Assignment    AssignmentConfig    `mapstructure:"assignment"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Tickets       TicketsConfig       `mapstructure:"tickets"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Accounts      AccountsConfig      `mapstructure:"accounts"`
	Security      SecurityConfig      `mapstructure:"security"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type InboundConfig struct {
	MaxAttachments     int           `mapstructure:"max_attachments"`
	MaxAttachmentBytes int64         `mapstructure:"max_attachment_bytes"`
	AllowedExtensions  []string      `mapstructure:"allowed_extensions"`
	FetchLimit         int           `mapstructure:"fetch_limit"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	PollWorkers        int           `mapstructure:"poll_workers"`
	ProcessingLease    time.Duration `mapstructure:"processing_lease"`
	ProcessBatch       int           `mapstructure:"process_batch"`
	DeleteAfterFetch   bool          `mapstructure:"delete_after_fetch"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
}

type ThreadingConfig struct {
	TicketPrefix        string  `mapstructure:"ticket_prefix"`
	TicketDigits        int     `mapstructure:"ticket_digits"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	LookbackDays        int     `mapstructure:"lookback_days"`
	CandidateLimit      int     `mapstructure:"candidate_limit"`
}

type AssignmentConfig struct {
	DefaultStrategy      string        `mapstructure:"default_strategy"`
	Capacity             int           `mapstructure:"capacity"`
	HighPriorityCapacity int           `mapstructure:"high_priority_capacity"`
	WorkloadTTL          time.Duration `mapstructure:"workload_ttl"`
}

type ScheduleConfig struct {
	Poll      string `mapstructure:"poll"`
	Process   string `mapstructure:"process"`
	Rebalance string `mapstructure:"rebalance"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Addr empty keeps leases and poll status in-process.
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type TicketsConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

type NotificationsConfig struct {
	Queue string `mapstructure:"queue"`
}

type AccountsConfig struct {
	Source string `mapstructure:"source"` // sql|file
	File   string `mapstructure:"file"`
}

type SecurityConfig struct {
	CredentialKey string `mapstructure:"credential_key"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Prefix string `mapstructure:"prefix"`
	Output string `mapstructure:"output"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("inbound.max_attachments", 10)
	v.SetDefault("inbound.max_attachment_bytes", 10*1024*1024)
	v.SetDefault("inbound.allowed_extensions", []string{
		"jpg", "jpeg", "png", "gif", "bmp", "webp", "pdf", "doc", "docx", "xls", "xlsx",
		"ppt", "pptx", "txt", "csv", "rtf", "odt", "ods", "zip", "eml", "msg",
	})
	v.SetDefault("inbound.fetch_limit", 50)
	v.SetDefault("inbound.connect_timeout", 30*time.Second)
	v.SetDefault("inbound.max_retries", 3)
	v.SetDefault("inbound.poll_workers", 4)
	v.SetDefault("inbound.processing_lease", 5*time.Minute)
	v.SetDefault("inbound.process_batch", 25)
	v.SetDefault("inbound.delete_after_fetch", false)
	v.SetDefault("inbound.max_body_bytes", 1024*1024)

	v.SetDefault("threading.ticket_prefix", "TKT-")
	v.SetDefault("threading.ticket_digits", 6)
	v.SetDefault("threading.similarity_threshold", 0.7)
	v.SetDefault("threading.lookback_days", 30)
	v.SetDefault("threading.candidate_limit", 20)

	v.SetDefault("assignment.default_strategy", "least_busy")
	v.SetDefault("assignment.capacity", 20)
	v.SetDefault("assignment.high_priority_capacity", 5)
	v.SetDefault("assignment.workload_ttl", 30*time.Second)

	v.SetDefault("schedule.poll", "0 */2 * * * *")
	v.SetDefault("schedule.process", "*/30 * * * * *")
	v.SetDefault("schedule.rebalance", "0 0 * * * *")

	v.SetDefault("storage.path", "./var/attachments")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "gotrs_inbound:")
	v.SetDefault("tickets.timeout", 10*time.Second)
	v.SetDefault("tickets.rate_per_second", 10.0)
	v.SetDefault("notifications.queue", "notifications:assignment")
	v.SetDefault("accounts.source", "sql")
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.output", "stdout")

	// Keys without a meaningful default are still registered so AutomaticEnv sees them.
	for _, key := range []string{
		"database.dsn", "redis.password", "tickets.base_url", "tickets.token",
		"accounts.file", "security.credential_key", "logging.prefix",
	} {
		if !v.IsSet(key) {
			v.SetDefault(key, "")
		}
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Inbound.AllowedExtensions = normalizeExtensions(c.Inbound.AllowedExtensions)
	return c, nil
}

// Load initializes the configuration with hot reload support.
// A missing config.yaml in configPath is not an error; defaults and environment apply.
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := newViper()
		v.SetConfigName("config")
		v.AddConfigPath(configPath)
		watch := true
		if err = v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read config: %w", err)
				return
			}
			err = nil
			watch = false
		}

		var loaded *Config
		if loaded, err = decode(v); err != nil {
			return
		}
		if err = loaded.Validate(); err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()

		if !watch {
			return
		}
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: file changed: %s", e.Name)
			next, err := decode(v)
			if err == nil {
				err = next.Validate()
			}
			if err != nil {
				log.Printf("config: reload rejected: %v", err)
				return
			}
			mu.Lock()
			cfg = next
			mu.Unlock()
			log.Printf("config: reloaded")
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Default returns a configuration populated only from defaults and environment.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	loaded, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	cfg = loaded
	mu.Unlock()
	return loaded, nil
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, ext := range in {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}
