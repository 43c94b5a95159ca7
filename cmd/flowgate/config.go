package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/akostin/flowgate/internal/logger"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction

	defaultIdentityAddr = "http://localhost:8081"
	defaultLedgerAddr   = "http://localhost:8082"
	defaultEngineAddr   = "http://localhost:8083"

	defaultCompletionCost = "1"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment
	Environment string

	// Address on which the gateway will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Symmetric signing keys, one per token kind, plus the pepper for
	// refresh token hashing. All three are required.
	AccessSecret  string
	RefreshSecret string
	TokenPepper   string

	// Issuer and audience stamped into issued tokens. Codec defaults apply
	// when empty.
	TokenIssuer   string
	TokenAudience string

	// Collaborator base URLs
	IdentityAddr string
	LedgerAddr   string
	EngineAddr   string

	// Refresh behavior when the identity provider can't answer:
	// "permissive" (default) or "strict"
	IdentityCheck string

	// Api key sent to the engine with every request
	EngineAPIKey string

	// Credits charged per completion, decimal string
	CompletionCost string

	// Sentry DSN, error reporting is off when empty
	SentryDSN string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:       defaultLoggingLevel,
		Environment:    defaultEnvironment,
		ListenAddr:     defaultListenAddr,
		IdentityAddr:   defaultIdentityAddr,
		LedgerAddr:     defaultLedgerAddr,
		EngineAddr:     defaultEngineAddr,
		CompletionCost: defaultCompletionCost,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":        setString(&c.ListenAddr),
		"DATABASE_URI":       setString(&c.DatabaseDSN),
		"ACCESS_SECRET_KEY":  setString(&c.AccessSecret),
		"REFRESH_SECRET_KEY": setString(&c.RefreshSecret),
		"TOKEN_PEPPER":       setString(&c.TokenPepper),
		"TOKEN_ISSUER":       setString(&c.TokenIssuer),
		"TOKEN_AUDIENCE":     setString(&c.TokenAudience),
		"IDENTITY_ADDRESS":   setString(&c.IdentityAddr),
		"IDENTITY_CHECK":     setString(&c.IdentityCheck),
		"LEDGER_ADDRESS":     setString(&c.LedgerAddr),
		"ENGINE_ADDRESS":     setString(&c.EngineAddr),
		"ENGINE_API_KEY":     setString(&c.EngineAPIKey),
		"COMPLETION_COST":    setString(&c.CompletionCost),
		"LOG_LEVEL":          setString(&c.LogLevel),
		"ENVIRONMENT":        setString(&c.Environment),
		"SENTRY_DSN":         setString(&c.SentryDSN),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("flowgate", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.AccessSecret, "access-secret", c.AccessSecret, "Access token signing key")
	fs.StringVar(&c.RefreshSecret, "refresh-secret", c.RefreshSecret, "Refresh token signing key")
	fs.StringVar(&c.TokenPepper, "token-pepper", c.TokenPepper, "Pepper for refresh token hashing")
	fs.StringVar(&c.TokenIssuer, "token-issuer", c.TokenIssuer, "Issuer claim of issued tokens")
	fs.StringVar(&c.TokenAudience, "token-audience", c.TokenAudience, "Audience claim of issued tokens")
	fs.StringVar(&c.IdentityAddr, "identity", c.IdentityAddr, "Identity provider base URL")
	fs.StringVar(&c.IdentityCheck, "identity-check", c.IdentityCheck, "Refresh check mode (permissive, strict)")
	fs.StringVar(&c.LedgerAddr, "ledger", c.LedgerAddr, "Credit ledger base URL")
	fs.StringVar(&c.EngineAddr, "engine", c.EngineAddr, "Flow engine base URL")
	fs.StringVar(&c.EngineAPIKey, "engine-api-key", c.EngineAPIKey, "Api key for the flow engine")
	fs.StringVar(&c.CompletionCost, "completion-cost", c.CompletionCost, "Credits charged per completion")
	fs.StringVar(&c.SentryDSN, "sentry-dsn", c.SentryDSN, "Sentry DSN")

	return fs.Parse(args)
}
