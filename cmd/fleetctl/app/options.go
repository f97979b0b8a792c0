package app

import (
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/iliyamo/transit-seat-reservation/internal/config"
)

// Options are the connection flags shared by every subcommand.  Defaults
// come from the same environment variables the server reads.
type Options struct {
	DBUser string
	DBPass string
	DBHost string
	DBPort string
	DBName string

	RabbitURL string
	Timeout   time.Duration
	LogLevel  string
}

// NewOptions returns options seeded from the environment.
func NewOptions() *Options {
	return &Options{
		DBUser:    os.Getenv("DB_USER"),
		DBPass:    os.Getenv("DB_PASS"),
		DBHost:    envOr("DB_HOST", "127.0.0.1"),
		DBPort:    envOr("DB_PORT", "3306"),
		DBName:    os.Getenv("DB_NAME"),
		RabbitURL: os.Getenv("RABBITMQ_URL"),
		Timeout:   10 * time.Second,
		LogLevel:  "warn",
	}
}

// Flags returns the persistent flag set.
func (o *Options) Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("connection", pflag.ExitOnError)
	fs.StringVar(&o.DBUser, "db-user", o.DBUser, "MySQL user (DB_USER)")
	fs.StringVar(&o.DBPass, "db-pass", o.DBPass, "MySQL password (DB_PASS)")
	fs.StringVar(&o.DBHost, "db-host", o.DBHost, "MySQL host (DB_HOST)")
	fs.StringVar(&o.DBPort, "db-port", o.DBPort, "MySQL port (DB_PORT)")
	fs.StringVar(&o.DBName, "db-name", o.DBName, "MySQL database (DB_NAME)")
	fs.StringVar(&o.RabbitURL, "rabbitmq-url", o.RabbitURL, "publish reservation events to this broker (RABBITMQ_URL)")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "per-command timeout")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "debug, info, warn or error")
	return fs
}

func (o *Options) dbConfig() config.Config {
	return config.Config{DBUser: o.DBUser, DBPass: o.DBPass, DBHost: o.DBHost, DBPort: o.DBPort, DBName: o.DBName}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
