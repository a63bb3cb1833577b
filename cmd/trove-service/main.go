package main

import (
	"flag"
	"os"

	"github.com/opentrove/trove/internal/config"
	"github.com/opentrove/trove/internal/logger"
	"github.com/opentrove/trove/troveservice"
)

func main() {
	// Optional build-target flag override (local | cloud)
	buildTarget := flag.String("build-target", "", "Override BUILD_TARGET (local, cloud)")
	flag.Parse()

	log := logger.New("trove-service")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *buildTarget != "" {
		cfg.BuildTarget = *buildTarget
		cfg.DBDriver = "auto"
		if err := cfg.ResolveDefaults(); err != nil {
			log.Fatal().Err(err).Msg("Invalid build-target override")
		}
	}

	if err := troveservice.Run(cfg); err != nil {
		os.Exit(1)
	}
}
