package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"lmsBack/internal/config"
	"lmsBack/internal/installments"
	"lmsBack/internal/installments/repo"
	"lmsBack/utils"
)

type application struct {
	errorLog     *log.Logger
	infoLog      *log.Logger
	db           *sql.DB
	rdb          *redis.Client
	tokens       *utils.Manager
	installments *installments.InstallmentsDeps
}

// moduleLogger adapts the process log.Logger pair to the module Logger contract.
type moduleLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l moduleLogger) Infof(format string, args ...interface{}) {
	l.info.Output(2, fmt.Sprintf(format, args...))
}

func (l moduleLogger) Errorf(format string, args ...interface{}) {
	l.err.Output(2, fmt.Sprintf(format, args...))
}

func initializeApp(cfg config.Config, db *sql.DB, rdb *redis.Client, modCfg installments.InstallmentsConfig, tokens *utils.Manager, errorLog, infoLog *log.Logger) *application {
	deps := &installments.InstallmentsDeps{
		DB:         db,
		Driver:     cfg.Database.Driver,
		Logger:     moduleLogger{info: infoLog, err: errorLog},
		Config:     modCfg,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
	}
	// A nil *redis.Client must not end up as a non-nil interface.
	if rdb != nil {
		deps.RDB = rdb
	}

	return &application{
		errorLog:     errorLog,
		infoLog:      infoLog,
		db:           db,
		rdb:          rdb,
		tokens:       tokens,
		installments: deps,
	}
}

func openDB(driver, dsn string, maxIdle, maxOpen int) (*sql.DB, error) {
	dsn, err := repo.NormalizeDSN(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		return nil, err
	}
	db.SetMaxIdleConns(maxIdle)
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	log.Println("Successfully connected to database")
	return db, nil
}

func openRedis(addr, password string, dbIndex int) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: dbIndex})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
