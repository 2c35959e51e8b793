package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/jar-analysis/jar-analysis-go/internal/config"
	"github.com/jar-analysis/jar-analysis-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// InitDB 会执行 AutoMigrate
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)
}
