// internal/config/database.go
package config

import (
	"fmt"
	"strings"
)

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// SQLiteDSN enables foreign keys and a busy timeout so concurrent writers
// wait for the file lock instead of failing immediately.
func (d *DatabaseConfig) SQLiteDSN() string {
	const params = "_busy_timeout=5000&_foreign_keys=on"
	if d.SQLitePath == ":memory:" {
		return "file::memory:?cache=shared&" + params
	}
	if strings.Contains(d.SQLitePath, "?") {
		return fmt.Sprintf("file:%s&%s", d.SQLitePath, params)
	}
	return fmt.Sprintf("file:%s?%s", d.SQLitePath, params)
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}
