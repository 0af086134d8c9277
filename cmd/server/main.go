package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/NicolasHaas/officehours/pkg/datastore"
	"github.com/NicolasHaas/officehours/pkg/logging"
	"github.com/NicolasHaas/officehours/pkg/server"
	"github.com/NicolasHaas/officehours/pkg/store"
	"github.com/NicolasHaas/officehours/pkg/version"
)

func main() {
	// .env is optional; variables already set in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg := server.DefaultConfig()
	if err := server.LoadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP and websocket bind address")
	flag.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Store driver: sqlite, postgres or memory")
	flag.StringVar(&cfg.DBSource, "db", cfg.DBSource, "SQLite file path or PostgreSQL DSN")
	flag.BoolVar(&cfg.TLS, "tls", cfg.TLS, "Serve HTTPS (self-signed certificate generated if none given)")
	flag.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key file")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.BoolVar(&cfg.AllowAnonymous, "open", cfg.AllowAnonymous, "Allow callers without a token to view, join and ask")
	flag.StringVar(&cfg.SeedFile, "seed-file", cfg.SeedFile, "YAML file of users, courses and queues to create on startup")
	flag.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "How often to log a metrics summary (0 disables)")
	flag.BoolVar(&cfg.ExportSeed, "export-seed", false, "Export users, courses and queues as YAML and exit")
	flag.Int64Var(&cfg.IssueToken, "issue-token", 0, "Print a session token for the given user id and exit")

	logOpts := logging.FromEnv(os.Stdout)
	flag.StringVar(&logOpts.Level, "log-level", cmp.Or(logOpts.Level, "info"), "Log level: "+logging.LevelNames())
	flag.StringVar(&logOpts.Format, "log-format", cmp.Or(logOpts.Format, "text"), "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("open store", "driver", cfg.DBDriver, "err", err)
		os.Exit(1)
	}

	// Handle CLI actions (run and exit)
	if cfg.ExportSeed {
		defer st.Close()
		data, err := server.ExportSeedYAML(context.Background(), st)
		if err != nil {
			slog.Error("export seed", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}
	if cfg.IssueToken != 0 {
		defer st.Close()
		if cfg.SigningSecret == "" {
			slog.Error("issue token: OFFICEHOURS_SIGNING_SECRET must be set, or the running server cannot verify the token")
			os.Exit(1)
		}
		srv, err := server.New(cfg, server.Dependencies{Store: st})
		if err != nil {
			slog.Error("create server", "err", err)
			os.Exit(1)
		}
		token, err := srv.IssueToken(context.Background(), cfg.IssueToken)
		if err != nil {
			slog.Error("issue token", "user", cfg.IssueToken, "err", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	srv, err := server.New(cfg, server.Dependencies{Store: st})
	if err != nil {
		_ = st.Close()
		slog.Error("create server", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openStore(cfg server.Config) (datastore.DataStore, error) {
	if cfg.DBDriver == "memory" {
		slog.Warn("using the in-memory store; data is lost on exit")
		return store.NewMemory(), nil
	}
	st, err := datastore.Open(cfg.DBDriver, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	return st, nil
}
