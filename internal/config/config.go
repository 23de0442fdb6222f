package config

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds all ledger server configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`

	// Loyalty rules
	Loyalty LoyaltyConfig `env:",prefix=LOYALTY_"`

	// Token verification
	Auth AuthConfig `env:",prefix=AUTH_"`

	// MenuSeedFile is an optional YAML menu loaded at startup
	MenuSeedFile string `env:"MENU_SEED_FILE"`

	// NodeID seeds the snowflake generator; must be unique per server replica
	NodeID int64 `env:"NODE_ID,default=1"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port               string   `env:"PORT,default=8080"`
	Host               string   `env:"HOST,default=0.0.0.0"`
	ReadTimeout        int      `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout       int      `env:"WRITE_TIMEOUT,default=30"` // seconds
	CORSOrigins        []string `env:"CORS_ORIGINS,default=http://localhost:3000"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE,default=600"`
}

// DatabaseConfig holds database configuration. Driver is "postgres" in
// production; "sqlite3" is accepted for single-node setups and development.
type DatabaseConfig struct {
	Driver   string `env:"DRIVER,default=postgres"`
	Path     string `env:"PATH,default=brewledger.db"` // sqlite3 only
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD,default=postgres"`
	Name     string `env:"NAME,default=brewledger"`
	SSLMode  string `env:"SSL_MODE,default=disable"`
	MaxConns int    `env:"MAX_CONNS,default=25"`
	MinConns int    `env:"MIN_CONNS,default=5"`
	Migrate  bool   `env:"MIGRATE,default=true"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Debug       bool   `env:"DEBUG,default=false"`
}

// LoyaltyConfig holds the stamp card rules. StampsPerFreeCup is the only
// place the stamps-per-free-cup ratio is defined.
type LoyaltyConfig struct {
	StampsPerFreeCup int `env:"STAMPS_PER_FREE_CUP,default=6"`
	PointsPerUnit    int `env:"POINTS_PER_UNIT,default=1"`
}

// AuthConfig holds JWT settings shared by the server and cmd/issue-token
type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET,required"`
	Issuer    string        `env:"ISSUER,default=brewledger"`
	TokenTTL  time.Duration `env:"TOKEN_TTL,default=720h"`
}

// TerminalConfig configures cmd/pos-terminal
type TerminalConfig struct {
	ServerURL       string        `env:"SERVER_URL,default=http://localhost:8080"`
	Token           string        `env:"TOKEN,required"`
	DBPath          string        `env:"DB_PATH,default=pos-outbox.db"`
	ListenAddr      string        `env:"LISTEN_ADDR,default=127.0.0.1:8090"`
	FlushInterval   time.Duration `env:"FLUSH_INTERVAL,default=20s"`
	CheckTimeout    time.Duration `env:"CHECK_TIMEOUT,default=2s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	SendsPerSecond  float64       `env:"SENDS_PER_SECOND,default=5"`
	SyncedRetention time.Duration `env:"SYNCED_RETENTION,default=168h"`

	Loyalty LoyaltyConfig `env:",prefix=LOYALTY_"`
	App     AppConfig     `env:",prefix=APP_"`
}

// Load loads server configuration from a .env file (if present) and
// environment variables
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadTerminal loads POS terminal configuration (POS_ prefix)
func LoadTerminal(ctx context.Context) (*TerminalConfig, error) {
	_ = godotenv.Load()
	return loadTerminal(ctx, envconfig.OsLookuper())
}

func loadTerminal(ctx context.Context, lookuper envconfig.Lookuper) (*TerminalConfig, error) {
	var cfg TerminalConfig
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("POS_", lookuper),
	}); err != nil {
		return nil, fmt.Errorf("failed to process terminal config: %w", err)
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("POS_FLUSH_INTERVAL must be positive")
	}
	if cfg.Loyalty.StampsPerFreeCup <= 0 {
		return nil, fmt.Errorf("POS_LOYALTY_STAMPS_PER_FREE_CUP must be positive")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Loyalty.StampsPerFreeCup <= 0 {
		return fmt.Errorf("LOYALTY_STAMPS_PER_FREE_CUP must be positive")
	}
	if c.Loyalty.PointsPerUnit < 0 {
		return fmt.Errorf("LOYALTY_POINTS_PER_UNIT must not be negative")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be within 0..1023")
	}
	return nil
}

// GetDatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
