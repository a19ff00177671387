package main

import (
	"fmt"
	"os"

	"github.com/bdobrica/playbridge/common/version"
	"github.com/bdobrica/playbridge/internal/bridge/app"
	"github.com/bdobrica/playbridge/internal/bridge/config"
)

func main() {
	fmt.Printf("Play Review Bridge\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	bridge, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize playbridge: %v\n", err)
		os.Exit(1)
	}
	defer bridge.Stop()

	if err := bridge.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running playbridge: %v\n", err)
		os.Exit(1)
	}
}
