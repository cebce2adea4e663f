package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"boilerbridge/internal/api"
	"boilerbridge/internal/config"
	"boilerbridge/internal/entity"
	"boilerbridge/internal/hass"
	"boilerbridge/internal/session"
	"boilerbridge/internal/store"
	"boilerbridge/internal/webboiler"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	// A missing config file is fine when the environment carries everything.
	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warn("Config file not found, relying on environment", zap.String("path", path))
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting boiler bridge",
		zap.String("cloud", cfg.Cloud.BaseURL),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("api_listen", cfg.API.Listen))

	instanceID, err := hass.LoadOrCreateInstanceID(cfg.Bridge.DataDir)
	if err != nil {
		logger.Fatal("Failed to establish instance identity", zap.Error(err))
	}

	db, err := store.Open(cfg.Store.Path, cfg.Store.RetentionDays, logger)
	if err != nil {
		logger.Fatal("Failed to open history database", zap.Error(err))
	}
	defer db.Close()

	client := webboiler.NewClient(cfg.Cloud.BaseURL, cfg.Account.Username, cfg.Account.Password, logger)

	sess := session.NewManager(client, logger)
	sess.SetRecorder(db)

	entities := entity.NewManager(sess, logger)
	entities.SetNamePrefix(cfg.Bridge.NamePrefix)

	bridge := hass.NewBridge(hass.Options{
		BrokerURL:       cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		ClientID:        cfg.MQTT.ClientID,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		InstanceID:      instanceID,
		BridgeName:      cfg.Bridge.NamePrefix,
	}, entities, sess, logger)

	server := api.NewServer(sess, entities, db, instanceID, cfg.API.Listen, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer server.Stop()

	// Entities can only be built once the cloud has told us which devices
	// exist, so the MQTT side comes up on the first successful connect. The
	// session keeps retrying on its own cadence until then.
	ready := make(chan struct{})
	var once sync.Once
	sub := sess.SubscribeConnectivity("bootstrap", func(online bool) {
		if online {
			once.Do(func() { close(ready) })
		}
	})
	defer sub.Unsubscribe()

	if err := sess.Start(); err != nil {
		logger.Warn("Initial cloud connection failed, retrying in the background", zap.Error(err))
	}
	defer sess.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ready:
		if err := entities.Build(); err != nil {
			logger.Fatal("Failed to build entities", zap.Error(err))
		}
		defer entities.Close()

		entities.SetPublisher(bridge)
		if err := bridge.Connect(); err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer bridge.Close()

		logger.Info("Bridge running",
			zap.Int("devices", len(sess.Devices())),
			zap.Int("entities", entities.Count()))

	case sig := <-sigChan:
		logger.Info("Shutting down before first connection", zap.String("signal", sig.String()))
		return
	}

	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))
}
