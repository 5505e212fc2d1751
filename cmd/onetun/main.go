package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/SideStore/onetun/internal/config"
	"github.com/SideStore/onetun/internal/lifecycle"
)

func main() {
	fs := flag.NewFlagSet("onetun", flag.ExitOnError)
	cfg, err := config.ParseArgs(fs, os.Args[1:])
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(1)
	}

	handle, err := lifecycle.Start(cfg)
	if err != nil {
		log.Printf("start: %v", err)
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Printf("onetun: shutting down...")

	if err := handle.Kill(); err != nil {
		log.Printf("onetun: shutdown: %v", err)
		os.Exit(1)
	}
}
