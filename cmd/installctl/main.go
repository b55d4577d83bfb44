package main

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"lmsBack/internal/config"
	"lmsBack/internal/installments"
	"lmsBack/internal/installments/repo"
)

var Version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	rootCmd := &cobra.Command{
		Use:           "installctl",
		Short:         "Operator tooling for installment schedules",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(splitCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashSecretCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stdLogger struct {
	l *log.Logger
}

func (s stdLogger) Infof(format string, args ...interface{}) {
	s.l.Printf("INFO "+format, args...)
}

func (s stdLogger) Errorf(format string, args ...interface{}) {
	s.l.Printf("ERROR "+format, args...)
}

// session is an opened database plus the module dependencies built on it.
type session struct {
	cfg  config.Config
	db   *sql.DB
	rdb  *redis.Client
	deps *installments.InstallmentsDeps
}

func openSession(withModule bool) (*session, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	dsn, err := repo.NormalizeDSN(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &session{cfg: cfg, db: db}
	if !withModule {
		return s, nil
	}

	modCfg, err := installments.LoadInstallmentsConfig()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.deps = &installments.InstallmentsDeps{
		DB:         db,
		Driver:     cfg.Database.Driver,
		Logger:     stdLogger{l: log.New(os.Stderr, "", log.Ldate|log.Ltime)},
		Config:     modCfg,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
	}
	if cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		s.deps.RDB = s.rdb
	}
	return s, nil
}

func (s *session) Close() {
	if s.deps != nil {
		installments.CloseInstallments(s.deps)
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
	s.db.Close()
}
