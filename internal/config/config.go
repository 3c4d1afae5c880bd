package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Security      SecurityConfig      `json:"security"`
	Logging       LoggingConfig       `json:"logging"`
	Requests      RequestsConfig      `json:"requests"`
	Notifications NotificationsConfig `json:"notifications"`
	AWS           AWSConfig           `json:"aws"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver         string        `json:"driver"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// SecurityConfig
type SecurityConfig struct {
	JWTSecret  string `json:"jwt_secret"`
	CookieName string `json:"cookie_name"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// RequestsConfig controls reference code formatting.
type RequestsConfig struct {
	ReferencePrefix string `json:"reference_prefix"`
	ReferenceWidth  int    `json:"reference_width"`
}

// NotificationsConfig
type NotificationsConfig struct {
	DispatchTimeout time.Duration `json:"dispatch_timeout"`
	SMS             SMSConfig     `json:"sms"`
	Email           EmailConfig   `json:"email"`
}

const (
	SMSProviderGateway = "gateway"
	SMSProviderSNS     = "sns"
)

type SMSConfig struct {
	Enabled       bool   `json:"enabled"`
	Provider      string `json:"provider"`
	RelaySchedule string `json:"relay_schedule"`
	BatchSize     int    `json:"batch_size"`
	MaxAttempts   int    `json:"max_attempts"`

	// GatewayUserIDs are the accounts allowed to receive queued texts over
	// the websocket gateway topic.
	GatewayUserIDs []uint `json:"gateway_user_ids"`
}

type EmailConfig struct {
	Enabled     bool   `json:"enabled"`
	FromAddress string `json:"from_address"`
}

// AWSConfig holds credentials shared by the SES and SNS clients. Empty keys
// fall back to the default credential chain.
type AWSConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:         DriverPostgres,
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "request_portal",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    time.Hour,
		},
		Security: SecurityConfig{
			CookieName: "token",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Requests: RequestsConfig{
			ReferencePrefix: "REF",
			ReferenceWidth:  6,
		},
		Notifications: NotificationsConfig{
			DispatchTimeout: 5 * time.Second,
			SMS: SMSConfig{
				Enabled:       true,
				Provider:      SMSProviderGateway,
				RelaySchedule: "@every 30s",
				BatchSize:     50,
				MaxAttempts:   3,
			},
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	config := Default()

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		config.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			config.Database.Port = p
		}
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if sslMode := os.Getenv("DATABASE_SSLMODE"); sslMode != "" {
		config.Database.SSLMode = sslMode
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Security.JWTSecret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		config.Notifications.SMS.Provider = provider
	}
	if enabled := os.Getenv("SMS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Notifications.SMS.Enabled = b
		}
	}
	if ids := os.Getenv("SMS_GATEWAY_USER_IDS"); ids != "" {
		config.Notifications.SMS.GatewayUserIDs = nil
		for _, raw := range strings.Split(ids, ",") {
			if id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64); err == nil && id > 0 {
				config.Notifications.SMS.GatewayUserIDs = append(config.Notifications.SMS.GatewayUserIDs, uint(id))
			}
		}
	}
	if from := os.Getenv("EMAIL_FROM_ADDRESS"); from != "" {
		config.Notifications.Email.FromAddress = from
		config.Notifications.Email.Enabled = true
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		config.AWS.Region = region
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		config.AWS.AccessKeyID = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		config.AWS.SecretAccessKey = secret
	}
	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		config.AWS.Endpoint = endpoint
	}
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret is required")
	}
	if c.Requests.ReferenceWidth <= 0 {
		return fmt.Errorf("requests.reference_width must be positive, got %d", c.Requests.ReferenceWidth)
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Notifications.SMS.Provider {
	case SMSProviderGateway, SMSProviderSNS:
	default:
		return fmt.Errorf("unknown sms provider %q", c.Notifications.SMS.Provider)
	}
	if c.Notifications.Email.Enabled && c.Notifications.Email.FromAddress == "" {
		return errors.New("notifications.email.from_address is required when email is enabled")
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
