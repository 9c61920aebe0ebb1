package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var embedMigrations embed.FS

// dialect maps a storage driver name to the goose dialect, the database/sql
// driver and the embedded migration directory.
func dialect(driver string) (gooseDialect, sqlDriver, dir string, err error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return "sqlite3", "sqlite", "migrations/sqlite", nil
	case "postgres", "pgx", "postgrespool":
		return "postgres", "pgx", "migrations/postgres", nil
	case "mysql":
		return "mysql", "mysql", "migrations/mysql", nil
	default:
		return "", "", "", fmt.Errorf("unsupported driver for goose: %s", driver)
	}
}

func configureGoose(driver string) (sqlDriver, dir string, err error) {
	gd, sqlDriver, dir, err := dialect(driver)
	if err != nil {
		return "", "", err
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetTableName("schema_migrations")
	if err := goose.SetDialect(gd); err != nil {
		return "", "", err
	}
	return sqlDriver, dir, nil
}

func openDB(driver, dsn string) (*sql.DB, string, error) {
	sqlDriver, dir, err := configureGoose(driver)
	if err != nil {
		return nil, "", err
	}
	if dsn == "" && sqlDriver == "sqlite" {
		dsn = "countryrates.db"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, "", err
	}
	return db, dir, nil
}

// UpDB applies all pending migrations on an already open database.
func UpDB(ctx context.Context, db *sql.DB, driver string) error {
	_, dir, err := configureGoose(driver)
	if err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

func Up(ctx context.Context, driver, dsn string) error {
	db, dir, err := openDB(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.UpContext(ctx, db, dir)
}

func Down(ctx context.Context, driver, dsn string) error {
	db, dir, err := openDB(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.DownContext(ctx, db, dir)
}

func Status(ctx context.Context, driver, dsn string) error {
	db, dir, err := openDB(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.StatusContext(ctx, db, dir)
}
