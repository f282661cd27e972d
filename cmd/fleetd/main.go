package main

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	v1 "fleetd/api/v1"
	"fleetd/internal/auth"
	"fleetd/internal/cache"
	"fleetd/internal/config"
	"fleetd/internal/db"
	"fleetd/internal/hub"
	"fleetd/internal/tasks"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := logrus.NewEntry(logrus.StandardLogger())

	// 1. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.Info("Configuration loaded")

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		logger.Fatalf("Failed to initialize MySQL: %v", err)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(db.DB); err != nil {
			logger.Fatalf("Failed to migrate database: %v", err)
		}
		logger.Info("Database migrated")
	}

	// 3. Initialize Redis (optional: the certificate cache degrades to
	// direct DB lookups without it)
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Warnf("Redis unavailable, certificate cache disabled: %v", err)
		cache.Client = nil
	}
	defer cache.Close()

	// 4. Initialize operator token signing
	auth.InitJWT(cfg.JWT.Secret)

	// 5. Start the dashboard event hub
	if err := hub.InitServer(); err != nil {
		logger.Fatalf("Failed to initialize hub: %v", err)
	}
	defer hub.Close()

	// 6. Start the stale-task sweeper
	if cfg.TimeoutSweep.Enabled {
		sweeper := tasks.NewSweeper(db.DB, logger, cfg.TimeoutSweep.IntervalSec)
		sweeper.Start()
		defer sweeper.Stop()
	}

	// 7. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	v1.SetupRouter(r, db.DB, cache.Client, cfg)

	r.GET("/socket.io/*any", gin.WrapH(hub.Server))
	r.POST("/socket.io/*any", gin.WrapH(hub.Server))

	logger.Infof("Server starting on %s", cfg.HTTPAddr)

	if err := r.Run(cfg.HTTPAddr); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

// loadConfig prefers an INI file when one is named, with environment
// variables overriding either way.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return config.LoadFromINI(path)
	}
	return config.Load()
}
