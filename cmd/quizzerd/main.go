package main

import (
	"log"
	"os"

	"github.com/mohammad-safakhou/quizzer/config"
	"github.com/mohammad-safakhou/quizzer/internal/server"
)

func main() {
	cfgPath := os.Getenv("QUIZZER_CONFIG")

	cfg := config.LoadConfig(cfgPath)
	if err := server.Run(cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
