package db

import (
	"fmt"
	"net"
	"strconv"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/zulandar/panelyard/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options tunes the gorm session.
type Options struct {
	Debug bool // log every SQL statement
}

// DSN builds a MySQL DSN for the configured database. An empty name selects
// no database, used for CREATE/DROP DATABASE. RowsAffected reports matched
// rows, so a guarded UPDATE that rewrites identical values still counts.
func DSN(c config.DatabaseConfig) string {
	mc := mysqldrv.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = c.Name
	mc.ParseTime = true
	mc.ClientFoundRows = true
	return mc.FormatDSN()
}

// SQLiteDSN builds a mattn/go-sqlite3 DSN. BEGIN IMMEDIATE serializes writers
// at transaction start so aggregate updates never fail on lock upgrade.
func SQLiteDSN(path string) string {
	return path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"
}

func gormConfig(opts Options) *gorm.Config {
	mode := logger.Silent
	if opts.Debug {
		mode = logger.Info
	}
	return &gorm.Config{
		Logger:         logger.Default.LogMode(mode),
		TranslateError: true,
	}
}

// Connect opens a GORM connection for the configured driver.
func Connect(c config.DatabaseConfig, opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	var target string
	switch c.Driver {
	case config.DriverMySQL:
		dialector = mysql.Open(DSN(c))
		target = fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Name)
	case config.DriverSQLite:
		dialector = sqlite.Open(SQLiteDSN(c.Path))
		target = c.Path
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", c.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s: %w", target, err)
	}
	if c.Driver == config.DriverSQLite {
		// SQLite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// ConnectAdmin opens a GORM connection to the MySQL server without selecting
// a specific database, used for CREATE DATABASE operations.
func ConnectAdmin(c config.DatabaseConfig) (*gorm.DB, error) {
	if c.Driver != config.DriverMySQL {
		return nil, fmt.Errorf("db: admin connection requires driver %q", config.DriverMySQL)
	}
	admin := c
	admin.Name = ""
	db, err := gorm.Open(mysql.Open(DSN(admin)), gormConfig(Options{}))
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", c.Host, c.Port, err)
	}
	return db, nil
}

// DropDatabase drops the named database if it exists.
func DropDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: drop database %s: %w", name, err)
	}
	return nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
