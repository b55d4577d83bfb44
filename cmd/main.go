package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"lmsBack/internal/config"
	"lmsBack/internal/installments"
	"lmsBack/internal/installments/migrations"
	"lmsBack/utils"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.LoadConfig()
	if err != nil {
		errorLog.Fatal(err)
	}

	port := os.Getenv("PORT")
	if port != "" {
		cfg.Server.Address = ":" + port
	}
	addr := flag.String("addr", cfg.Server.Address, "HTTP network address")
	flag.Parse()

	db, err := openDB(cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxIdleConns, cfg.Database.MaxOpenConns)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := migrations.Up(db, cfg.Database.Driver); err != nil {
			errorLog.Fatalf("apply migrations: %v", err)
		}
	}

	rdb, err := openRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		errorLog.Fatal(err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	modCfg, err := installments.LoadInstallmentsConfig()
	if err != nil {
		errorLog.Fatal(err)
	}

	tokens, err := utils.NewManager(os.Getenv("JWT_SIGNING_KEY"))
	if err != nil {
		errorLog.Fatalf("jwt: %v", err)
	}

	app := initializeApp(cfg, db, rdb, modCfg, tokens, errorLog, infoLog)

	handler, err := app.routes()
	if err != nil {
		errorLog.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := installments.StartInstallmentsWorkers(ctx, app.installments); err != nil {
		errorLog.Fatal(err)
	}
	defer installments.CloseInstallments(app.installments)

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	srv := &http.Server{
		Addr:        *addr,
		ErrorLog:    errorLog,
		Handler:     addSecurityHeaders(c.Handler(handler)),
		IdleTimeout: time.Minute,
		ReadTimeout: 5 * time.Second,
		// The cron retry run holds the request open for the whole batch.
		WriteTimeout: modCfg.RunBudget + time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errorLog.Printf("shutdown: %v", err)
		}
	}()

	infoLog.Printf("Starting server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errorLog.Fatal(err)
	}
	infoLog.Print("Server stopped")
}
