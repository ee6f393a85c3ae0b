package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/splitflap_panel/internal/app"
	"github.com/relabs-tech/splitflap_panel/internal/config"
)

func main() {
	configPath := flag.String("config", "splitflap_config.txt", "Path to configuration file")
	interval := flag.Duration("interval", 3*time.Second, "Time between words")
	flag.Parse()

	log.Println("starting splitflap MQTT text producer (mock)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunTextProducer(ctx, *interval); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
