// Command chatctl is a terminal client for the ollamachat server.
package main

import (
	"flag"
	"log"
	"os"

	"ollamachat/internal/client"
)

func main() {
	configPath := flag.String("config", os.Getenv("OLLAMACHAT_CLI_CONFIG"), "path to chatctl.toml")
	server := flag.String("server", "", "server address, overrides the config file")
	flag.Parse()

	log.SetFlags(0)
	log.SetPrefix("[chatctl] ")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *server != "" {
		cfg.Server = *server
	}

	store, err := client.OpenStore(cfg.StateFile)
	if err != nil {
		log.Fatalf("open state: %v", err)
	}
	c := client.New(cfg.Server, store)

	if err := newREPL(cfg, c, os.Stdout).run(); err != nil {
		log.Fatalf("%v", err)
	}
}
