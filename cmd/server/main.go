package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gmshoot-go/config"
	"gmshoot-go/internal/api/handlers"
	"gmshoot-go/internal/auth"
	"gmshoot-go/internal/db"
	"gmshoot-go/internal/db/repository"
	"gmshoot-go/internal/device"
	"gmshoot-go/internal/integrations/mqtt"
	"gmshoot-go/internal/logger"
	"gmshoot-go/internal/orchestrator"
	"gmshoot-go/internal/server/sse"
)

func main() {
	configPath := flag.String("config", "/config/config.yaml", "Path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	// Initialize database connection
	log.Info("Initializing database...")
	if err := db.Initialize(cfg.DB); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Info("Database initialization complete.")

	repo := repository.NewSQLiteRepository(db.DB)

	// Auth manager backed by the credential store
	authManager, err := auth.NewManager(cfg.Auth, repo)
	if err != nil {
		log.Fatalf("Failed to initialize auth manager: %v", err)
	}

	// Device transport and orchestrator
	deviceClient := device.NewClient(cfg.Device, authManager)
	orch := orchestrator.New(cfg, deviceClient, repo, authManager)

	// SSE hub for live UI updates
	sseHub := sse.NewHub()
	go sseHub.Run()
	sseHub.AttachTo(orch)

	// Optional MQTT mirror
	mqttClient := mqtt.NewClient(cfg.MQTT)
	if cfg.MQTT.Enabled {
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
		} else {
			defer mqttClient.Stop()
			mqtt.NewPublisher(mqttClient, cfg.MQTT.BaseTopic).AttachTo(orch)
		}
	} else {
		log.Info("MQTT is disabled in config.")
	}

	// HTTP router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	api := router.Group("/api")
	handlers.NewAPIHandler(orch, cfg, repo).RegisterRoutes(api)
	handlers.NewAuthHandler(authManager, orch).RegisterRoutes(api)
	handlers.NewSystemHandler(orch, sseHub, mqttClient).RegisterRoutes(api)

	// Start the server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Infof("Starting server on %s", serverAddr)
	if err := router.Run(serverAddr); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Info("Server stopped.")
}
