package db

import (
	"fmt"
	"os"
	"path/filepath"

	puresqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/teamyard/internal/config"
)

// MySQLDSN builds a go-sql-driver DSN.
func MySQLDSN(c config.DatabaseConfig) string {
	user := c.User
	if user == "" {
		user = "root"
	}
	cred := user
	if c.Password != "" {
		cred += ":" + c.Password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, c.Host, c.Port, c.Name)
}

// PostgresDSN builds a libpq keyword/value DSN.
func PostgresDSN(c config.DatabaseConfig) string {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=disable", c.Host, c.Port, c.Name)
	if c.User != "" {
		dsn += " user=" + c.User
	}
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// SQLiteDSN appends pragmas in the form the pure-Go driver expects.
func SQLiteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open connects to the configured database.
func Open(c config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch c.Driver {
	case "sqlite", "sqlite-pure":
		if c.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
				return nil, fmt.Errorf("db: create dir for %s: %w", c.Path, err)
			}
		}
		if c.Driver == "sqlite" {
			dialector = sqlite.Open(c.Path + "?_busy_timeout=5000&_journal_mode=WAL")
		} else {
			dialector = puresqlite.Open(SQLiteDSN(c.Path))
		}
	case "mysql":
		dialector = mysql.Open(MySQLDSN(c))
	case "postgres":
		dialector = postgres.Open(PostgresDSN(c))
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", c.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", c.Driver, err)
	}

	if c.Driver == "sqlite" || c.Driver == "sqlite-pure" {
		sqlDB, err := gormSQL(gdb)
		if err != nil {
			return nil, err
		}
		// One writer at a time; sqlite serializes anyway and this avoids
		// SQLITE_BUSY under concurrent agent turns.
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gormSQL(gdb)
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
