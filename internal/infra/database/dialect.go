package database

import "fmt"

const dayMillis = int64(24 * 60 * 60 * 1000)

// Dialect 屏蔽 SQLite 与 PostgreSQL 在占位符和时间分桶表达式上的差异。
type Dialect struct {
	driver string
}

// NewDialect 根据驱动名称构建方言。
func NewDialect(driver string) Dialect {
	return Dialect{driver: driver}
}

// Postgres 判断是否为 PostgreSQL 系驱动。
func (d Dialect) Postgres() bool {
	switch d.driver {
	case "postgres", "pgx", "postgresql":
		return true
	default:
		return false
	}
}

// Placeholder 返回指定序号的占位符。
func (d Dialect) Placeholder(index int) string {
	if d.Postgres() {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

// DayBucket 返回把毫秒时间戳列截断到 UTC 日起点的文本表达式。
func (d Dialect) DayBucket(column string) string {
	if d.Postgres() {
		return fmt.Sprintf("((%s / %d) * %d)::text", column, dayMillis, dayMillis)
	}
	return fmt.Sprintf("CAST((%s / %d) * %d AS TEXT)", column, dayMillis, dayMillis)
}

// PlaceholderBuilder 按顺序生成占位符。
type PlaceholderBuilder struct {
	dialect Dialect
	index   int
}

// NewPlaceholderBuilder 创建一个计数器实例。
func NewPlaceholderBuilder(d Dialect) *PlaceholderBuilder {
	return &PlaceholderBuilder{dialect: d}
}

// Next 返回下一个可用占位符。
func (b *PlaceholderBuilder) Next() string {
	b.index++
	return b.dialect.Placeholder(b.index)
}
