package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/schurick1502/docflow-scanner-bridge/internal/pairing"
	"github.com/schurick1502/docflow-scanner-bridge/internal/service"
	"github.com/schurick1502/docflow-scanner-bridge/internal/state"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "/etc/docflow-scanner-bridge/config.yml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bridged version %s\n", version)
		os.Exit(0)
	}

	state.Version = version
	pairing.BridgeVersion = version

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Printf("Starting bridged v%s", version)

	if err := service.Run(*configPath); err != nil {
		log.Fatalf("Service error: %v", err)
	}
}
