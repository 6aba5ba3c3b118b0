package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name    string  `yaml:"name" json:"name" env:"APP_NAME" env-default:"caseflow"`
	Server  Server  `yaml:"server" json:"server"`
	Storage Storage `yaml:"storage" json:"storage"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
	Log     Log     `yaml:"log" json:"log"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/v1"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Storage struct {
	// Dsn is the SQLite database path; ":memory:" keeps state in process.
	Dsn string `yaml:"dsn" json:"dsn" env:"STORAGE_DSN" env-default:"caseflow.db"`
}

type Engine struct {
	// MaxDispatchSteps bounds the dispatch loop per command before the
	// engine fails the command with a routing-loop error.
	MaxDispatchSteps int `yaml:"maxDispatchSteps" json:"maxDispatchSteps" env:"ENGINE_MAX_DISPATCH_STEPS" env-default:"10000"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED" env-default:"false"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT" env-default:"localhost:4318"`
}

type Log struct {
	Level string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
