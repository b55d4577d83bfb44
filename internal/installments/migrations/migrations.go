package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

func dialect(driver string) (string, error) {
	switch driver {
	case "mysql":
		return "mysql", nil
	case "pgx", "postgres":
		return "postgres", nil
	}
	return "", fmt.Errorf("migrations: unsupported driver %q", driver)
}

func prepare(driver string) (string, error) {
	d, err := dialect(driver)
	if err != nil {
		return "", err
	}
	goose.SetBaseFS(files)
	if err := goose.SetDialect(d); err != nil {
		return "", fmt.Errorf("set goose dialect: %w", err)
	}
	return d, nil
}

// Up applies all pending schema migrations for the driver.
func Up(db *sql.DB, driver string) error {
	dir, err := prepare(driver)
	if err != nil {
		return err
	}
	return goose.Up(db, dir)
}

// Down rolls back the most recent migration.
func Down(db *sql.DB, driver string) error {
	dir, err := prepare(driver)
	if err != nil {
		return err
	}
	return goose.Down(db, dir)
}

// Status prints the applied state of every migration.
func Status(db *sql.DB, driver string) error {
	dir, err := prepare(driver)
	if err != nil {
		return err
	}
	return goose.Status(db, dir)
}
