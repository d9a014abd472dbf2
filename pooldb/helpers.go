package pooldb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	_ "github.com/lib/pq" // this comment here because of linter: a blank import should be only in a main or test package, or have a comment justifying it (golint)
	"github.com/sirupsen/logrus"
)

type config struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
	SSLMode  string `toml:"sslmode"`
}

func OpenPostgres(configPath string) (*sql.DB, error) {
	var cfg config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return nil, err
	}
	psInfo := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.DBName,
		cfg.SSLMode,
	)

	db, err := sql.Open("postgres", psInfo)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// OpenPostgresWithRetries keeps trying until the database answers a ping or
// attempts are exhausted. Zero attempts means no limit.
func OpenPostgresWithRetries(configPath string, attempts int) (*sql.DB, error) {
	interval := time.Second * 5
	log := logrus.StandardLogger().WithField("type", "pooldb")
	for i := 1; ; i++ {
		db, err := OpenPostgres(configPath)
		if err == nil {
			err = db.Ping()
			if err == nil {
				return db, nil
			}
			db.Close()
			log.WithError(err).Warn("Failed to ping Postgres")
		} else {
			log.WithError(err).Warn("Failed to open Postgres")
		}
		if attempts != 0 && i >= attempts {
			return nil, fmt.Errorf("cannot connect to Postgres after %d attempts: %w", i, err)
		}
		time.Sleep(interval)
	}
}
