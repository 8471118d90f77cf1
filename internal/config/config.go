package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env        string
	ListenAddr string
	LogLevel   string

	DatabaseURL   string
	DBHost        string
	DBPort        int
	DBName        string
	DBUser        string
	DBPassword    string
	DBSSLMode     string
	DBSSLRootCert string
	DBMaxConns    int

	// JWTSecret signs bearer credentials. BoardPassword is the single
	// shared login password; recovery reveals it.
	JWTSecret     string
	BoardPassword string

	// RecoveryAnswerHashes holds up to five bcrypt hashes of the
	// reference recovery answers, in question order. Empty slots are
	// skipped by the recovery gate.
	RecoveryAnswerHashes []string

	// TokenResetInterval is how long after last_reset the next ledger
	// access grants a token.
	TokenResetInterval time.Duration

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	UploadBaseURL  string
	UploadMaxBytes int64
}

func Load() (Config, error) {
	cfg := Config{
		Env:        getenvDefault("ENV", "development"),
		ListenAddr: getenvDefault("LISTEN_ADDR", ":8080"),
		LogLevel:   getenvDefault("LOG_LEVEL", "info"),

		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBHost:        getenvDefault("DB_HOST", "127.0.0.1"),
		DBName:        getenvDefault("DB_NAME", "board"),
		DBUser:        getenvDefault("DB_USER", "board_app"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBSSLMode:     getenvDefault("DB_SSLMODE", "disable"),
		DBSSLRootCert: strings.TrimSpace(os.Getenv("DB_SSLROOTCERT")),

		JWTSecret:     strings.TrimSpace(os.Getenv("JWT_SECRET")),
		BoardPassword: strings.TrimSpace(os.Getenv("BOARD_PASSWORD")),

		S3Endpoint:    strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		S3Region:      getenvDefault("S3_REGION", "us-east-1"),
		S3Bucket:      strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3AccessKey:   strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")),
		S3SecretKey:   strings.TrimSpace(os.Getenv("S3_SECRET_KEY")),
		UploadBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("UPLOAD_BASE_URL")), "/"),
	}

	dbPortStr := getenvDefault("DB_PORT", "5432")
	dbPort, err := strconv.Atoi(dbPortStr)
	if err != nil || dbPort <= 0 || dbPort > 65535 {
		return Config{}, fmt.Errorf("invalid DB_PORT %q", dbPortStr)
	}
	cfg.DBPort = dbPort

	maxConnsStr := getenvDefault("DB_MAX_CONNS", "10")
	maxConns, err := strconv.Atoi(maxConnsStr)
	if err != nil || maxConns <= 0 {
		return Config{}, fmt.Errorf("invalid DB_MAX_CONNS %q", maxConnsStr)
	}
	cfg.DBMaxConns = maxConns

	if raw := strings.TrimSpace(os.Getenv("RECOVERY_ANSWER_HASHES")); raw != "" {
		hashes := strings.Split(raw, ",")
		if len(hashes) > 5 {
			return Config{}, fmt.Errorf("RECOVERY_ANSWER_HASHES has %d entries, want at most 5", len(hashes))
		}
		for _, h := range hashes {
			cfg.RecoveryAnswerHashes = append(cfg.RecoveryAnswerHashes, strings.TrimSpace(h))
		}
	}

	resetStr := getenvDefault("TOKEN_RESET_INTERVAL", "336h")
	reset, err := time.ParseDuration(resetStr)
	if err != nil || reset <= 0 {
		return Config{}, fmt.Errorf("invalid TOKEN_RESET_INTERVAL %q", resetStr)
	}
	cfg.TokenResetInterval = reset

	maxStr := getenvDefault("UPLOAD_MAX_BYTES", "10485760")
	maxBytes, err := strconv.ParseInt(maxStr, 10, 64)
	if err != nil || maxBytes <= 0 {
		return Config{}, fmt.Errorf("invalid UPLOAD_MAX_BYTES %q", maxStr)
	}
	cfg.UploadMaxBytes = maxBytes

	if cfg.Env == "production" {
		if cfg.JWTSecret == "" {
			return Config{}, errors.New("JWT_SECRET is required in production")
		}
		if cfg.BoardPassword == "" {
			return Config{}, errors.New("BOARD_PASSWORD is required in production")
		}
	}

	return cfg, nil
}

func (c Config) PostgresURL() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}

	missing := make([]string, 0, 4)
	if c.DBHost == "" {
		missing = append(missing, "DB_HOST")
	}
	if c.DBName == "" {
		missing = append(missing, "DB_NAME")
	}
	if c.DBUser == "" {
		missing = append(missing, "DB_USER")
	}
	if c.DBSSLMode == "" {
		missing = append(missing, "DB_SSLMODE")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing env vars: %s", strings.Join(missing, ", "))
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := u.Query()
	q.Set("sslmode", c.DBSSLMode)
	if c.DBSSLRootCert != "" {
		q.Set("sslrootcert", c.DBSSLRootCert)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// UploadsConfigured reports whether enough S3 settings are present to
// accept file uploads.
func (c Config) UploadsConfigured() bool {
	return c.S3Bucket != "" && c.UploadBaseURL != ""
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
