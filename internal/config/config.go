// Package config loads the immutable process configuration: flags
// layered over environment variables, with an optional .env file. It
// is read once at startup and passed explicitly into constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DBConfig identifies the target MySQL endpoint.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

// Config is the full, validated run configuration.
type Config struct {
	DB DBConfig

	Table string
	// Alter holds the ALTER TABLE clauses applied to the shadow table,
	// in order.
	Alter []string

	ChunkSize  int
	ChunkSleep time.Duration

	SwapTables     bool
	DropOldTable   bool
	DropTriggers   bool
	DropAuditTable bool

	Resume      bool
	JournalPath string

	StatusPort       int
	PanicFlagFile    string
	PostponeFlagFile string

	MaxRetries int
	LogFile    string
}

// Validate rejects configurations no run could succeed with.
func (c *Config) Validate() error {
	switch {
	case c.DB.Host == "":
		return fmt.Errorf("host is required (--host or MYSQL_HOST)")
	case c.DB.User == "":
		return fmt.Errorf("user is required (--user or MYSQL_USER)")
	case c.DB.Database == "":
		return fmt.Errorf("database is required (--database or MYSQL_DATABASE)")
	case c.Table == "":
		return fmt.Errorf("table is required (--table)")
	case len(c.Alter) == 0 && !c.Resume:
		return fmt.Errorf("at least one alter clause is required (--alter)")
	case c.DB.Port <= 0 || c.DB.Port > 65535:
		return fmt.Errorf("invalid port %d", c.DB.Port)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	case strings.HasPrefix(c.Table, "_"):
		return fmt.Errorf("refusing to migrate table %q: leading underscore collides with working table names", c.Table)
	}
	return nil
}

// SplitAlter breaks a semicolon-separated --alter value into
// individual clauses, dropping empties.
func SplitAlter(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadDotenv merges a .env file into the process environment when one
// exists. Real environment variables win over file entries.
func LoadDotenv() {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Debug().Err(err).Msg("no usable .env file")
	}
}

// EnvString returns the first set environment variable among keys, or
// def when none is set.
func EnvString(def string, keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return def
}

// EnvInt is EnvString for integers; unparsable values are logged and
// skipped.
func EnvInt(def int, keys ...string) int {
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("var", key).Str("value", v).Msg("ignoring non-integer environment variable")
			continue
		}
		return n
	}
	return def
}

// EnvBool is EnvString for booleans ("1", "true", "yes" are true).
func EnvBool(def bool, keys ...string) bool {
	for _, key := range keys {
		switch strings.ToLower(os.Getenv(key)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}
