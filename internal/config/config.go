package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	RunAddress       string
	DatabaseURI      string
	PanelAddress     string
	PanelUsername    string
	PanelPassword    string
	JWTSecret        string
	LogLevel         string
	RootExternalID   string
	RootPassword     string
	RootSellingPrice int64
}

func NewConfig() *Config {
	// .env is optional; real environment always wins
	_ = godotenv.Load()

	var cfg Config

	flag.StringVar(&cfg.RunAddress, "a", "", "Server run address")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "Database URI")
	flag.StringVar(&cfg.PanelAddress, "p", "", "Configuration panel address")
	flag.StringVar(&cfg.LogLevel, "l", "info", "Log level")
	flag.Parse()

	if envAddr := os.Getenv("RUN_ADDRESS"); envAddr != "" {
		cfg.RunAddress = envAddr
	}

	if envDBURI := os.Getenv("DATABASE_URI"); envDBURI != "" {
		cfg.DatabaseURI = envDBURI
	}

	if envPanelAddr := os.Getenv("PANEL_ADDRESS"); envPanelAddr != "" {
		cfg.PanelAddress = envPanelAddr
	}

	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.LogLevel = envLogLevel
	}

	cfg.PanelUsername = os.Getenv("PANEL_USERNAME")
	cfg.PanelPassword = os.Getenv("PANEL_PASSWORD")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "some-secret-key"
	}

	cfg.RootExternalID = os.Getenv("ROOT_EXTERNAL_ID")
	if cfg.RootExternalID == "" {
		cfg.RootExternalID = "root"
	}
	cfg.RootPassword = os.Getenv("ROOT_PASSWORD")

	cfg.RootSellingPrice = 100000
	if envPrice := os.Getenv("ROOT_SELLING_PRICE"); envPrice != "" {
		if price, err := strconv.ParseInt(envPrice, 10, 64); err == nil && price > 0 {
			cfg.RootSellingPrice = price
		}
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = ":8080"
	}

	return &cfg
}
