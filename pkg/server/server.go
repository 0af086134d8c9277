// Package server implements the office-hours queue server: queue channels,
// connection sessions, the REST and websocket transports, and the run loop.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/NicolasHaas/officehours/pkg/crypto"
	"github.com/NicolasHaas/officehours/pkg/datastore"
	"github.com/NicolasHaas/officehours/pkg/identity"
	"github.com/NicolasHaas/officehours/pkg/model"
	"github.com/NicolasHaas/officehours/pkg/rbac"
)

// Config holds server configuration. Environment variables override the
// defaults; cmd/server flags override both.
type Config struct {
	// HTTPAddr is the REST + websocket bind address.
	HTTPAddr string `env:"OFFICEHOURS_HTTP_ADDR"`
	// DBDriver is "sqlite", "postgres" or "memory".
	DBDriver string `env:"OFFICEHOURS_DB_DRIVER"`
	// DBSource is the SQLite path or the PostgreSQL DSN.
	DBSource string `env:"OFFICEHOURS_DB_SOURCE"`

	TLS      bool   `env:"OFFICEHOURS_TLS"`
	CertFile string `env:"OFFICEHOURS_TLS_CERT"`
	KeyFile  string `env:"OFFICEHOURS_TLS_KEY"`
	DataDir  string `env:"OFFICEHOURS_DATA_DIR"` // generated certs land here

	// AllowAnonymous lets callers without a token view, join and ask.
	AllowAnonymous bool `env:"OFFICEHOURS_ALLOW_ANONYMOUS"`
	// AllowedOrigins restricts websocket origins; empty allows any.
	AllowedOrigins []string `env:"OFFICEHOURS_ALLOWED_ORIGINS" envSeparator:","`
	// SigningSecret is the passphrase the token key is derived from.
	SigningSecret string        `env:"OFFICEHOURS_SIGNING_SECRET"`
	SigningSalt   string        `env:"OFFICEHOURS_SIGNING_SALT"`
	TokenTTL      time.Duration `env:"OFFICEHOURS_TOKEN_TTL"`

	// SeedFile names a YAML file of courses, queues and users created on startup.
	SeedFile        string        `env:"OFFICEHOURS_SEED_FILE"`
	OutboxSize      int           `env:"OFFICEHOURS_OUTBOX_SIZE"`
	WriteTimeout    time.Duration `env:"OFFICEHOURS_WRITE_TIMEOUT"`
	MetricsInterval time.Duration `env:"OFFICEHOURS_METRICS_INTERVAL"` // 0 disables the periodic summary
	ShutdownTimeout time.Duration `env:"OFFICEHOURS_SHUTDOWN_TIMEOUT"`

	// CLI-only actions (run and exit)
	ExportSeed bool  // print courses, queues and users as YAML
	IssueToken int64 // print a session token for this user id
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataStore
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		DBDriver:        datastore.DriverSQLite,
		DBSource:        "officehours.db",
		DataDir:         ".",
		SigningSalt:     "officehours",
		TokenTTL:        12 * time.Hour,
		OutboxSize:      256,
		WriteTimeout:    10 * time.Second,
		MetricsInterval: 60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadEnv applies OFFICEHOURS_* environment overrides to cfg. Unset
// variables leave the current value alone.
func LoadEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	// Try loading existing cert
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	// Generate self-signed certificate
	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"officehours"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	// Write cert
	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close cert file: %w", err)
	}

	// Write key
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

// UserResolver binds a token to a user.
type UserResolver interface {
	Resolve(ctx context.Context, token string) (model.User, error)
}

// Server is the office-hours queue server.
type Server struct {
	cfg      Config
	sessions *SessionManager
	channels *ChannelManager
	service  *QueueService
	gate     *rbac.Gate
	tokens   *identity.Resolver
	users    UserResolver
	metrics  *Metrics
	store    datastore.DataStore
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}

	key, err := signingKey(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := identity.NewResolver(deps.Store, identity.Config{Key: key})
	if err != nil {
		return nil, fmt.Errorf("server: identity: %w", err)
	}

	metrics := NewMetrics()
	gate := rbac.NewGate(deps.Store, rbac.Options{AllowAnonymous: cfg.AllowAnonymous})
	channels := NewChannelManager(deps.Store, gate, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		sessions: NewSessionManager(cfg.OutboxSize),
		channels: channels,
		service:  NewQueueService(deps.Store, gate, channels, metrics),
		gate:     gate,
		tokens:   tokens,
		users:    tokens,
		metrics:  metrics,
		store:    deps.Store,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// signingKey derives the token key from the configured secret, or
// generates a random one whose tokens die with the process.
func signingKey(cfg Config) ([]byte, error) {
	if cfg.SigningSecret == "" {
		slog.Warn("no signing secret configured; session tokens are valid for this process only")
		return crypto.GenerateKey()
	}
	key, err := crypto.DeriveSigningKey(cfg.SigningSecret, []byte(cfg.SigningSalt))
	if err != nil {
		return nil, fmt.Errorf("server: signing key: %w", err)
	}
	slog.Info("derived token signing key", "fingerprint", crypto.Fingerprint(key))
	return key, nil
}

// Channels returns the channel manager.
func (s *Server) Channels() *ChannelManager {
	return s.channels
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Service returns the queue service.
func (s *Server) Service() *QueueService {
	return s.service
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// IssueToken signs a session token for userID using the configured TTL.
func (s *Server) IssueToken(ctx context.Context, userID int64) (string, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return "", err
	}
	return s.tokens.Issue(userID, s.cfg.TokenTTL)
}
