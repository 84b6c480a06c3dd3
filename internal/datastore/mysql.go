package datastore

import (
	"net"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
)

const mysqlDialTimeout = 10 * time.Second

// MySQLStore implements Interface for MySQL.
type MySQLStore struct {
	DataStore
}

// DSN builds the driver connection string from settings.
func DSN(s *conf.MySQLSettings) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = s.Username
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, s.Port)
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Timeout = mysqlDialTimeout
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// Open connects to MySQL and migrates the schema.
func (store *MySQLStore) Open() error {
	settings := &store.Settings.Output.MySQL
	db, err := gorm.Open(mysql.Open(DSN(settings)), store.gormConfig())
	if err != nil {
		GetLogger().Error("Failed to open MySQL database",
			logger.String("host", settings.Host),
			logger.String("port", settings.Port),
			logger.String("database", settings.Database),
			logger.Error(err))
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Context("db_type", "mysql").
			Context("database", settings.Database).
			Build()
	}
	store.DB = db

	GetLogger().Info("MySQL history store opened",
		logger.String("host", settings.Host),
		logger.String("database", settings.Database))
	return performAutoMigration(db, "mysql")
}
