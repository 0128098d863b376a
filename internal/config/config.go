package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"log"
)

type Config struct {
	Redis Redis
	Match Match
}

type Redis struct {
	Addr           string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password       string `env:"Redis_Password"`
	DB             int    `env:"Redis_DB"`
	OfferStreamKey string `env:"Redis_OfferStreamKey" envDefault:"offers"`
	EventStreamKey string `env:"Redis_EventStreamKey" envDefault:"task_events"`
	DeadlineZSet   string `env:"Redis_DeadlineZSet" envDefault:"offers:deadlines"`
}

type Match struct {
	ServiceRadiusMeters float64       `env:"Match_ServiceRadiusMeters" envDefault:"500"`
	DecisionWindow      time.Duration `env:"Match_DecisionWindow" envDefault:"60s"`
	LocationFreshness   time.Duration `env:"Match_LocationFreshness" envDefault:"5m"`
	DispatchRetryDelay  time.Duration `env:"Match_DispatchRetryDelay" envDefault:"1s"`
}

func Load() *Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}

	return &c
}
