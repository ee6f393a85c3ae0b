package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/splitflap_panel/internal/app"
	"github.com/relabs-tech/splitflap_panel/internal/config"
)

func main() {
	configPath := flag.String("config", "splitflap_config.txt", "Path to configuration file")
	flag.Parse()

	log.Println("starting splitflap console (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunConsoleMQTT(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
