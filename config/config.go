package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mindgraphix/logx"

	"github.com/spf13/pflag"
)

// Config holds all configuration settings for the application.
type Config struct {
	// Server settings
	ListenAddress  string
	ListenPort     string
	Environment    string // "development" or "production"
	AllowedOrigins []string
	LogFile        string

	// Storage settings
	StorageDriver     string // "file", "sqlite" or "memory"
	DbFilePath        string
	SaveInterval      time.Duration
	EnableBackup      bool
	MaxValueBytes     int64
	MaxTotalBytes     int64
	AdminLogRetention int

	// Authentication settings
	JwtSecret            string // The actual secret key
	JwtSecretFile        string // Path to the file containing the secret
	JwtKeyFile           string // Where a generated secret is saved
	TokenLifetime        time.Duration
	BcryptCost           int
	PolicyFile           string
	LoginRate            float64 // Requests per second per IP on /auth
	LoginBurst           int
	MaxLoginAttempts     int
	LockoutDuration      time.Duration
	SessionPruneInterval time.Duration

	// Blob storage
	BlobDriver        string // "local" or "s3"
	UploadDir         string
	MaxUploadBytes    int64
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PresignExpiry   time.Duration

	secretSource string
}

const (
	envPrefix = "MGX_"

	defaultAddress           = "0.0.0.0"
	defaultPort              = "8080"
	defaultEnvironment       = "production"
	defaultStorageDriver     = "file"
	defaultDbFile            = "./mindgraphix.json"
	defaultSaveInterval      = 2 * time.Second
	defaultEnableBackup      = true
	defaultMaxValueBytes     = 1 << 20
	defaultMaxTotalBytes     = 64 << 20
	defaultAdminLogRetention = 50
	defaultJwtKeyFile        = "./mindgraphix.key"
	defaultTokenLifetime     = 8 * time.Hour
	defaultBcryptCost        = 12
	defaultLoginRate         = 1.0
	defaultLoginBurst        = 10
	defaultMaxLoginAttempts  = 5
	defaultLockoutDuration   = 15 * time.Minute
	defaultPruneInterval     = 10 * time.Minute
	defaultBlobDriver        = "local"
	defaultUploadDir         = "./uploads"
	defaultMaxUploadBytes    = 10 << 20
	defaultS3Region          = "auto"
	defaultPresignExpiry     = 15 * time.Minute
)

var defaultOrigins = []string{"http://localhost:5173"}

// BindFlags registers every setting on fs. Each flag's default is taken from
// its MGX_* environment variable when set, so precedence is flag > env > default.
// Call Finalize after fs has been parsed.
func BindFlags(fs *pflag.FlagSet) *Config {
	cfg := &Config{}

	fs.StringVar(&cfg.ListenAddress, "address", getEnv("LISTEN_ADDRESS", defaultAddress), "Server listen address (Env: MGX_LISTEN_ADDRESS)")
	fs.StringVar(&cfg.ListenPort, "port", getEnv("LISTEN_PORT", defaultPort), "Server listen port (Env: MGX_LISTEN_PORT)")
	fs.StringVar(&cfg.Environment, "env", getEnv("ENV", defaultEnvironment), "Runtime environment: development or production (Env: MGX_ENV)")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", getEnvList("ALLOWED_ORIGINS", defaultOrigins), "CORS allowed origins (Env: MGX_ALLOWED_ORIGINS)")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "Optional rotating log file (Env: MGX_LOG_FILE)")

	fs.StringVar(&cfg.StorageDriver, "storage", getEnv("STORAGE", defaultStorageDriver), "Storage backend: file, sqlite or memory (Env: MGX_STORAGE)")
	fs.StringVar(&cfg.DbFilePath, "db-file", getEnv("DB_FILE_PATH", defaultDbFile), "Path to the database file (Env: MGX_DB_FILE_PATH)")
	fs.DurationVar(&cfg.SaveInterval, "save-interval", getEnvDuration("SAVE_INTERVAL", defaultSaveInterval), "Debounce interval for saving the file backend, <= 0 saves on every write (Env: MGX_SAVE_INTERVAL)")
	fs.BoolVar(&cfg.EnableBackup, "enable-backup", getEnvBool("ENABLE_BACKUP", defaultEnableBackup), "Keep a .bak copy before each save (Env: MGX_ENABLE_BACKUP)")
	fs.Int64Var(&cfg.MaxValueBytes, "max-value-bytes", getEnvInt64("MAX_VALUE_BYTES", defaultMaxValueBytes), "Largest single stored value (Env: MGX_MAX_VALUE_BYTES)")
	fs.Int64Var(&cfg.MaxTotalBytes, "max-total-bytes", getEnvInt64("MAX_TOTAL_BYTES", defaultMaxTotalBytes), "Store quota in bytes (Env: MGX_MAX_TOTAL_BYTES)")
	fs.IntVar(&cfg.AdminLogRetention, "admin-log-retention", int(getEnvInt64("ADMIN_LOG_RETENTION", defaultAdminLogRetention)), "Admin log entries kept (Env: MGX_ADMIN_LOG_RETENTION)")

	fs.StringVar(&cfg.JwtSecretFile, "jwt-secret-file", getEnv("JWT_SECRET_FILE", ""), "Path to file containing JWT secret key, overrides MGX_JWT_SECRET (Env: MGX_JWT_SECRET_FILE)")
	fs.StringVar(&cfg.JwtKeyFile, "jwt-key-file", getEnv("JWT_KEY_FILE", defaultJwtKeyFile), "Where a generated JWT secret is saved (Env: MGX_JWT_KEY_FILE)")
	fs.DurationVar(&cfg.TokenLifetime, "token-lifetime", getEnvDuration("TOKEN_LIFETIME", defaultTokenLifetime), "Session lifetime (Env: MGX_TOKEN_LIFETIME)")
	fs.IntVar(&cfg.BcryptCost, "bcrypt-cost", int(getEnvInt64("BCRYPT_COST", defaultBcryptCost)), "bcrypt cost (Env: MGX_BCRYPT_COST)")
	fs.StringVar(&cfg.PolicyFile, "policy-file", getEnv("POLICY_FILE", ""), "Site policy YAML file (Env: MGX_POLICY_FILE)")
	fs.Float64Var(&cfg.LoginRate, "login-rate", getEnvFloat("LOGIN_RATE", defaultLoginRate), "Auth requests per second per IP (Env: MGX_LOGIN_RATE)")
	fs.IntVar(&cfg.LoginBurst, "login-burst", int(getEnvInt64("LOGIN_BURST", defaultLoginBurst)), "Auth request burst per IP (Env: MGX_LOGIN_BURST)")
	fs.IntVar(&cfg.MaxLoginAttempts, "max-login-attempts", int(getEnvInt64("MAX_LOGIN_ATTEMPTS", defaultMaxLoginAttempts)), "Failed logins before lockout (Env: MGX_MAX_LOGIN_ATTEMPTS)")
	fs.DurationVar(&cfg.LockoutDuration, "lockout-duration", getEnvDuration("LOCKOUT_DURATION", defaultLockoutDuration), "Lockout length (Env: MGX_LOCKOUT_DURATION)")
	fs.DurationVar(&cfg.SessionPruneInterval, "session-prune-interval", getEnvDuration("SESSION_PRUNE_INTERVAL", defaultPruneInterval), "Expired session sweep interval (Env: MGX_SESSION_PRUNE_INTERVAL)")

	fs.StringVar(&cfg.BlobDriver, "blob", getEnv("BLOB", defaultBlobDriver), "Upload storage: local or s3 (Env: MGX_BLOB)")
	fs.StringVar(&cfg.UploadDir, "upload-dir", getEnv("UPLOAD_DIR", defaultUploadDir), "Directory for local uploads (Env: MGX_UPLOAD_DIR)")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", getEnvInt64("MAX_UPLOAD_BYTES", defaultMaxUploadBytes), "Largest accepted upload (Env: MGX_MAX_UPLOAD_BYTES)")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", getEnv("S3_BUCKET", ""), "S3 bucket (Env: MGX_S3_BUCKET)")
	fs.StringVar(&cfg.S3Region, "s3-region", getEnv("S3_REGION", defaultS3Region), "S3 region (Env: MGX_S3_REGION)")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", getEnv("S3_ENDPOINT", ""), "S3 compatible endpoint URL (Env: MGX_S3_ENDPOINT)")
	fs.DurationVar(&cfg.S3PresignExpiry, "s3-presign-expiry", getEnvDuration("S3_PRESIGN_EXPIRY", defaultPresignExpiry), "Presigned download URL lifetime (Env: MGX_S3_PRESIGN_EXPIRY)")

	// Credentials are never taken from flags.
	cfg.S3AccessKeyID = getEnv("S3_ACCESS_KEY_ID", "")
	cfg.S3SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", "")

	return cfg
}

// Load parses args into a fresh Config and finalizes it.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("mindgraphix", pflag.ContinueOnError)
	cfg := BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := Finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize validates cfg, resolves the JWT secret and normalizes paths.
func Finalize(cfg *Config) error {
	switch cfg.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("invalid environment '%s', expected development or production", cfg.Environment)
	}
	switch cfg.StorageDriver {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid storage driver '%s', expected file, sqlite or memory", cfg.StorageDriver)
	}
	switch cfg.BlobDriver {
	case "local":
	case "s3":
		if cfg.S3Bucket == "" {
			return fmt.Errorf("s3 blob storage requires a bucket")
		}
	default:
		return fmt.Errorf("invalid blob driver '%s', expected local or s3", cfg.BlobDriver)
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost %d out of range 4-31", cfg.BcryptCost)
	}
	if cfg.TokenLifetime <= 0 {
		return fmt.Errorf("token lifetime must be positive")
	}
	if cfg.MaxValueBytes <= 0 || cfg.MaxTotalBytes < cfg.MaxValueBytes {
		return fmt.Errorf("invalid quota: max value %d, max total %d", cfg.MaxValueBytes, cfg.MaxTotalBytes)
	}
	if cfg.AdminLogRetention <= 0 {
		cfg.AdminLogRetention = defaultAdminLogRetention
	}

	if err := resolveJwtSecret(cfg); err != nil {
		return err
	}

	if cfg.StorageDriver != "memory" {
		absDbPath, err := filepath.Abs(cfg.DbFilePath)
		if err != nil {
			return fmt.Errorf("could not determine absolute path for db-file '%s': %w", cfg.DbFilePath, err)
		}
		cfg.DbFilePath = absDbPath

		// The file may not exist yet, it is created on first save.
		if fileInfo, err := os.Stat(cfg.DbFilePath); err == nil && fileInfo.IsDir() {
			return fmt.Errorf("database path '%s' points to a directory, not a file", cfg.DbFilePath)
		}
	}

	if cfg.BlobDriver == "local" {
		absUploads, err := filepath.Abs(cfg.UploadDir)
		if err != nil {
			return fmt.Errorf("could not determine absolute path for upload-dir '%s': %w", cfg.UploadDir, err)
		}
		cfg.UploadDir = absUploads
	}

	logConfiguration(cfg)
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return c.ListenAddress + ":" + c.ListenPort
}

// resolveJwtSecret applies the priority: file > env > default key file > generate.
func resolveJwtSecret(cfg *Config) error {
	if cfg.JwtSecret != "" {
		cfg.secretSource = "Preset"
		return nil
	}

	if cfg.JwtSecretFile != "" {
		secretBytes, err := os.ReadFile(cfg.JwtSecretFile)
		if err == nil {
			cfg.JwtSecret = strings.TrimSpace(string(secretBytes))
			if cfg.JwtSecret != "" {
				cfg.secretSource = fmt.Sprintf("File (%s)", cfg.JwtSecretFile)
				return nil
			}
			logx.Warn("JWT secret file is empty, ignoring", "path", cfg.JwtSecretFile)
		} else {
			logx.Warn("Failed to read JWT secret file, checking other sources", "path", cfg.JwtSecretFile, "error", err.Error())
		}
	}

	if envSecret := strings.TrimSpace(getEnv("JWT_SECRET", "")); envSecret != "" {
		cfg.JwtSecret = envSecret
		cfg.secretSource = "Environment Variable (MGX_JWT_SECRET)"
		return nil
	}

	secretBytes, err := os.ReadFile(cfg.JwtKeyFile)
	if err == nil {
		cfg.JwtSecret = strings.TrimSpace(string(secretBytes))
		if cfg.JwtSecret != "" {
			cfg.secretSource = fmt.Sprintf("Default Key File (%s)", cfg.JwtKeyFile)
			return nil
		}
		logx.Warn("Default JWT key file is empty, generating a new secret", "path", cfg.JwtKeyFile)
	} else if !os.IsNotExist(err) {
		logx.Warn("Failed to read default JWT key file, generating a new secret", "path", cfg.JwtKeyFile, "error", err.Error())
	}

	newSecret, err := generateRandomKey(32)
	if err != nil {
		return fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	cfg.JwtSecret = newSecret
	cfg.secretSource = "Generated (In Memory)"

	if err := os.WriteFile(cfg.JwtKeyFile, []byte(newSecret), 0600); err != nil {
		logx.Warn("Failed to save generated JWT secret, it is valid for this process only", "path", cfg.JwtKeyFile, "error", err.Error())
	} else {
		cfg.secretSource = fmt.Sprintf("Generated & Saved (%s)", cfg.JwtKeyFile)
	}
	return nil
}

// SecretSource describes where the JWT secret came from.
func (c *Config) SecretSource() string {
	return c.secretSource
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		return value
	}
	return fallback
}

// getEnvBool recognizes "true", "1", "yes" and "false", "0", "no" (case-insensitive).
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
		handleConfigError(envPrefix+key, value, fmt.Errorf("not a boolean"), fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
		handleConfigError(envPrefix+key, value, err, fallback)
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		n, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return n
		}
		handleConfigError(envPrefix+key, value, err, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(envPrefix + key); exists {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		handleConfigError(envPrefix+key, value, err, fallback)
	}
	return fallback
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(envPrefix + key)
	if !exists {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func logConfiguration(cfg *Config) {
	logx.Info("Configuration loaded",
		"address", cfg.ListenAddress,
		"port", cfg.ListenPort,
		"environment", cfg.Environment,
		"storage", cfg.StorageDriver,
		"db_file", cfg.DbFilePath,
		"save_interval", cfg.SaveInterval.String(),
		"backup", cfg.EnableBackup,
		"jwt_secret_source", cfg.secretSource,
		"token_lifetime", cfg.TokenLifetime.String(),
		"bcrypt_cost", cfg.BcryptCost,
		"policy_file", cfg.PolicyFile,
		"blob", cfg.BlobDriver,
		"allowed_origins", strings.Join(cfg.AllowedOrigins, ","),
	)
}

// generateRandomKey returns length random bytes, hex encoded.
func generateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func handleConfigError(field string, value string, err error, defaultValue any) {
	logx.Warn("Invalid configuration value, using default",
		"field", field, "value", value, "default", fmt.Sprint(defaultValue), "error", err.Error())
}
