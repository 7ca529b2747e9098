package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/178inaba/duty-time-bot/duty"
	"github.com/178inaba/duty-time-bot/handler"
	"github.com/178inaba/duty-time-bot/repository"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/slack-go/slack"
)

type config struct {
	Port string `env:"PORT" envDefault:"8080"`

	SlackToken             string `env:"SLACK_TOKEN,required"`
	SlackSigningSecret     string `env:"SLACK_SIGNING_SECRET,required"`
	SlackOnDutyUserGroupID string `env:"SLACK_ON_DUTY_USERGROUP_ID"`

	LedgerPath       string `env:"LEDGER_PATH" envDefault:"zeiten.json"`
	LeaderboardLimit int    `env:"LEADERBOARD_LIMIT" envDefault:"10"`

	MySQLUser     string `env:"MYSQL_USER"`
	MySQLPassword string `env:"MYSQL_PASSWORD"`
	MySQLProtocol string `env:"MYSQL_PROTOCOL" envDefault:"tcp"`
	MySQLAddress  string `env:"MYSQL_ADDRESS"`
	MySQLDBName   string `env:"MYSQL_DB_NAME"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Parse env: %v.", err)
	}

	var store duty.Store
	if cfg.MySQLAddress != "" {
		db, err := openSqlxDB(
			cfg.MySQLUser,
			cfg.MySQLPassword,
			cfg.MySQLProtocol,
			cfg.MySQLAddress,
			cfg.MySQLDBName,
		)
		if err != nil {
			log.Fatalf("Open database: %v.", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Ping database: %v.", err)
		}
		store = repository.NewLedgerRepository(db)
		log.Printf("Using MySQL ledger at %s.", cfg.MySQLAddress)
	} else {
		store = repository.NewFileLedgerRepository(cfg.LedgerPath)
		log.Printf("Using file ledger at %s.", cfg.LedgerPath)
	}

	h := handler.NewHandler(
		duty.NewEngine(ctx, store),
		slack.New(cfg.SlackToken),
		cfg.SlackSigningSecret,
		cfg.SlackOnDutyUserGroupID,
		cfg.LeaderboardLimit,
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Post("/commands", h.ReceiveCommand)
	r.Post("/events", h.ReceiveEvent)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("Listening on port %s.", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatalf("End listen and serve: %v.", err)
	}
}

func openSqlxDB(user, passwd, net, addr, dbName string) (*sqlx.DB, error) {
	c := mysql.NewConfig()
	c.User = user
	c.Passwd = passwd
	c.Net = net
	c.Addr = addr
	c.DBName = dbName
	c.Collation = "utf8mb4_bin"
	c.ParseTime = true

	db, err := sqlx.Open("mysql", c.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlx: %w", err)
	}

	return db, nil
}
