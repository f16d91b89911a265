package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/db"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`
	Store       string `mapstructure:"store"` // postgres or memory

	Rotation      RotationConfig      `mapstructure:"rotation"`
	Segments      SegmentsConfig      `mapstructure:"segments"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Locks         LocksConfig         `mapstructure:"locks"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Firebase      FirebaseConfig      `mapstructure:"firebase"`

	// Fields extends the built-in field schema with org-specific custom fields.
	Fields map[string]db.FieldSpec `mapstructure:"fields"`
}

type RotationConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
}

type SegmentsConfig struct {
	// RefreshInterval of zero keeps segments strictly event driven.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type WorkflowConfig struct {
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type LocksConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Wait time.Duration `mapstructure:"wait"`
}

type NotificationsConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type FirebaseConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Local development convenience; production injects env directly
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("rotation.sweep_interval", time.Minute)
	v.SetDefault("rotation.sweep_batch_size", 100)
	v.SetDefault("rotation.lease_ttl", 2*time.Minute)
	v.SetDefault("segments.refresh_interval", time.Duration(0))
	v.SetDefault("workflow.dedupe_ttl", 72*time.Hour)
	v.SetDefault("locks.ttl", 30*time.Second)
	v.SetDefault("locks.wait", 10*time.Second)
	v.SetDefault("notifications.queue_size", 1024)
	v.SetDefault("firebase.credentials_file", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("leadflow")
		v.SetConfigType("yaml")
	}

	// LEADFLOW_ROTATION_SWEEP_INTERVAL overrides rotation.sweep_interval
	v.SetEnvPrefix("leadflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Standard deploy variables without the prefix
	_ = v.BindEnv("database_url", "DATABASE_URL", "LEADFLOW_DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL", "LEADFLOW_REDIS_URL")
	_ = v.BindEnv("port", "PORT", "LEADFLOW_PORT")
	_ = v.BindEnv("firebase.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS", "LEADFLOW_FIREBASE_CREDENTIALS_FILE")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else if path != "" && os.IsNotExist(err) {
			return fmt.Errorf("config file %s not found", path)
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	App = cfg
	return nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.Rotation.SweepInterval <= 0 {
		return fmt.Errorf("rotation.sweep_interval must be positive")
	}
	if c.Rotation.SweepBatchSize <= 0 {
		return fmt.Errorf("rotation.sweep_batch_size must be positive")
	}
	if c.Segments.RefreshInterval < 0 {
		return fmt.Errorf("segments.refresh_interval cannot be negative")
	}
	if c.Locks.TTL <= 0 || c.Locks.Wait <= 0 {
		return fmt.Errorf("locks.ttl and locks.wait must be positive")
	}
	return nil
}

// FieldSchema merges configured custom fields over the built-in schema.
func (c Config) FieldSchema() db.FieldSchema {
	schema := db.DefaultFieldSchema()
	for name, spec := range c.Fields {
		schema[name] = spec
	}
	return schema
}
