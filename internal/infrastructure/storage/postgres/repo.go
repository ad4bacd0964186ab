package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fundingarb/internal/infrastructure/storage/sqlstore"
)

// New 通过 pgx stdlib 驱动连接 PostgreSQL 并迁移表结构
func New(ctx context.Context, dsn string) (*sqlstore.Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	repo, err := sqlstore.New(ctx, db, sqlstore.DialectPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}
