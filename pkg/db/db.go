package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"provisiond/pkg/config"
	"provisiond/pkg/model"
)

// Models lists every table the controller owns, in migration order.
var Models = []any{
	&model.Release{},
	&model.Cluster{},
	&model.Node{},
	&model.Vlan{},
	&model.Network{},
	&model.IPAddr{},
	&model.Task{},
}

// Open connects to the configured database. It does not migrate.
//
// For mysql with an empty DSN the connection is assembled from
// MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS and MYSQL_DB. A .env file
// is not read here; config.Load has already put it into the environment.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	switch cfg.Driver {
	case "mysql":
		return openMySQL(cfg.DSN, gcfg)
	case "sqlite", "":
		return openSQLite(cfg.DSN, gcfg)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// Init opens the database and brings the schema up to date.
func Init(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func openSQLite(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "file:provisiond.db"
	}
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func openMySQL(dsn string, gcfg *gorm.Config) (*gorm.DB, error) {
	host := getenv("MYSQL_HOST", "127.0.0.1")
	port := getenv("MYSQL_PORT", "3306")
	user := getenv("MYSQL_USER", "root")
	pass := getenv("MYSQL_PASS", "")
	dbname := getenv("MYSQL_DB", "provisiond")

	if dsn == "" {
		dsn = os.Getenv("MYSQL_DSN")
	}
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", user, pass, host, port, dbname)
	}

	db, err := gorm.Open(mysql.Open(dsn), gcfg)
	if err != nil {
		// Try to create database if missing
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, err
		}
		if cerr := createDatabase(user, pass, host, port, dbname); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		db, err = gorm.Open(mysql.Open(dsn), gcfg)
		if err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	return db, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func createDatabase(user, pass, host, port, dbname string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", user, pass, host, port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}
