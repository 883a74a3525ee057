package main

import (
	"context"
	"log"
	"os"

	"github.com/dmarkhas/vaultsync/internal/app"
	"github.com/dmarkhas/vaultsync/internal/buildinfo"
	"github.com/dmarkhas/vaultsync/internal/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
