package main

import (
	"math/rand"
	"time"

	"github.com/wfunc/snitch/config"
	"github.com/wfunc/snitch/game"
	"github.com/wfunc/snitch/logger"
	"github.com/wfunc/snitch/monitor"
	"github.com/wfunc/snitch/persistence"
	"github.com/wfunc/snitch/room"
	"github.com/wfunc/snitch/rpc"
	"github.com/wfunc/snitch/server"
	"github.com/wfunc/snitch/services"
)

func main() {
	// Initialize logger
	logger.Init()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	// Optional match-record database
	var db persistence.Database
	if cfg.Database.Enabled {
		switch cfg.Database.Driver {
		case "sql":
			db, err = persistence.NewPostgreSQL(
				cfg.Database.Postgres.Host,
				cfg.Database.Postgres.Port,
				cfg.Database.Postgres.User,
				cfg.Database.Postgres.Password,
				cfg.Database.Postgres.DBName,
			)
		default:
			db, err = persistence.NewGormPostgreSQL(
				cfg.Database.Postgres.Host,
				cfg.Database.Postgres.Port,
				cfg.Database.Postgres.User,
				cfg.Database.Postgres.Password,
				cfg.Database.Postgres.DBName,
			)
		}
		if err != nil {
			logger.Log.Fatalf("Failed to connect to database: %v", err)
		}
		logger.Log.Info("Database connection successful.")
	}

	// Core components
	engine := game.NewEngine(rand.NewSource(time.Now().UnixNano()))
	registry := room.NewRegistry(rand.NewSource(time.Now().UnixNano() + 1))
	defer registry.Close()

	registry.StartSweeper(cfg.Game.SweepInterval, cfg.Game.RoomIdleTimeout, func(removed int) {
		logger.Log.Infof("Swept %d idle rooms", removed)
	})

	recorder := services.NewMatchRecorder(db)

	// Monitoring
	mon := monitor.NewMonitor("snitch")
	mon.StartServer(cfg.Server.MetricsAddress)
	logger.Log.Infof("Metrics server listening on %s", cfg.Server.MetricsAddress)

	// Game server
	gameServer := server.NewGameServer(cfg.Server.HTTPAddress, cfg.Game.GracePeriod, engine, registry, recorder, mon)

	// Admin RPC
	rpcServer, err := rpc.NewServer(cfg.Server.RPCAddress)
	if err != nil {
		logger.Log.Fatalf("Failed to create RPC server: %v", err)
	}
	admin := rpc.NewAdmin(registry, gameServer.Sessions(), recorder, mon)
	if err := rpc.Register(admin); err != nil {
		logger.Log.Fatalf("Failed to register admin service: %v", err)
	}
	go rpcServer.Start()

	// Start Server
	logger.Log.Infof("Starting game server on %s", cfg.Server.HTTPAddress)
	if err := gameServer.Start(); err != nil {
		logger.Log.Fatalf("Failed to start server: %v", err)
	}
}
