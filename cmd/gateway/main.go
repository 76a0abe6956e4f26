package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/aman-churiwal/quota-gateway/internal/config"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// CLI defines the command-line interface
type CLI struct {
	Serve     ServeCmd     `cmd:"" default:"withargs" help:"Start the quota gateway (default)."`
	Check     CheckCmd     `cmd:"" help:"Validate configuration and print the tier table."`
	SeedTiers SeedTiersCmd `cmd:"" name:"seed-tiers" help:"Write the configured tiers and prefixes into the database."`

	Config  string `short:"c" help:"Path to config file (JSON or YAML). Defaults to $CONFIG_PATH or config.json." type:"path"`
	EnvFile string `name:"env-file" help:"Dotenv file loaded before the config." default:".env"`
}

// Loads the dotenv file, then the config, and configures logging from it
func (c *CLI) load() (*config.Config, error) {
	if err := godotenv.Load(c.EnvFile); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to load env file")
	}

	cfg, err := config.Load(config.ResolveConfigPath(c.Config))
	if err != nil {
		return nil, err
	}

	configureLogging(cfg.Log)
	return cfg, nil
}

func configureLogging(cfg config.LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Distributed per-credential quota gateway"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
