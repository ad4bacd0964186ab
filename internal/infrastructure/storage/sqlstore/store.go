// Package sqlstore 基于 database/sql 的存储实现，SQLite 与 PostgreSQL 共用
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"fundingarb/internal/application/port"
)

// Dialect SQL 方言差异
type Dialect struct {
	Name      string
	Numbered  bool   // 占位符为 $1..$n
	ForUpdate string // 行锁后缀
}

var (
	DialectSQLite   = Dialect{Name: "sqlite"}
	DialectPostgres = Dialect{Name: "postgres", Numbered: true, ForUpdate: " FOR UPDATE"}
)

// Repo 通用 SQL 存储
type Repo struct {
	db      *sql.DB
	dialect Dialect
}

var _ port.Store = (*Repo)(nil)

// New 包装已打开的连接并执行迁移
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Repo, error) {
	r := &Repo{db: db, dialect: dialect}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

// DB 底层连接
func (r *Repo) DB() *sql.DB { return r.db }

func (r *Repo) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q 将 ? 占位符改写为方言格式
func (r *Repo) q(query string) string {
	if !r.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// inList 生成 IN 子句占位符与参数
func inList[T ~string](vals []T) (string, []any) {
	ph := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = "?"
		args[i] = string(v)
	}
	return "(" + strings.Join(ph, ",") + ")", args
}
