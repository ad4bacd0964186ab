package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"fundingarb/internal/infrastructure/storage/sqlstore"
)

// New 打开 SQLite 文件并迁移表结构
func New(ctx context.Context, path string) (*sqlstore.Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// 单连接：写入串行化，条件插入天然原子
	db.SetMaxOpenConns(1)

	repo, err := sqlstore.New(ctx, db, sqlstore.DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}
