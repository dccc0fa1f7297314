// Command novarelay runs the gateway process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wisbric/novarelay/internal/app"
	"github.com/wisbric/novarelay/internal/config"
)

func main() {
	mode := flag.String("mode", "", "process mode: api (default)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "novarelay: %v\n", err)
		os.Exit(1)
	}
}
