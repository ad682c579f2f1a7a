// Package database is the optional Postgres sink for measurement
// results, for deployments that prefer a direct database over the REST
// publisher. It is enabled only when a database host is configured.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"netprobe-agent/pkg/models"
)

type DB struct {
	*bun.DB
}

func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the results table if it doesn't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.Result)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create table: %v", err)
	}

	return nil
}

// InsertResult appends one cycle's result; rows are never updated.
func (db *DB) InsertResult(ctx context.Context, res *models.Result) error {
	_, err := db.NewInsert().
		Model(res).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting result: %v", err)
	}

	return nil
}

// Sink adapts the database to the scheduler's publish interface.
type Sink struct {
	db     *DB
	logger *slog.Logger
}

func NewSink(db *DB, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{db: db, logger: logger}
}

func (s *Sink) Name() string { return "postgres" }

func (s *Sink) Publish(ctx context.Context, res *models.Result) error {
	return s.db.InsertResult(ctx, res)
}
