package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"livechat-relay/internal/auth"
	"livechat-relay/internal/bus"
	"livechat-relay/internal/config"
	"livechat-relay/internal/deliver"
	"livechat-relay/internal/feed"
	"livechat-relay/internal/hub"
	"livechat-relay/internal/server"
	"livechat-relay/internal/store"
	"livechat-relay/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	ctx := context.Background()

	var registry store.ConnectionRegistry
	var livechats store.LivechatStore
	switch cfg.StoreDriver {
	case "redis":
		client, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal(err)
		}
		registry = store.NewRedisRegistry(client, cfg.ConnectionTTL)
		livechats = store.NewRedisLivechatStore(client, cfg.PageTTL)
	case "postgres":
		reg, lcs, err := store.NewPostgresStores(cfg.PostgresDSN, cfg.ConnectionTTL, cfg.PageTTL)
		if err != nil {
			log.Fatal(err)
		}
		registry, livechats = reg, lcs
	default:
		registry = store.NewMemoryRegistry(cfg.ConnectionTTL)
		livechats = store.NewMemoryLivechatStore(cfg.PageTTL)
	}

	var msgBus bus.Bus
	if cfg.BusDriver == "redis" {
		client, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal(err)
		}
		msgBus = bus.NewRedisBus(client, log.Default())
	} else {
		msgBus = bus.NewMemoryBus()
	}
	defer msgBus.Close()

	feedClient := feed.NewYouTubeClient(feed.YouTubeClientOptions{
		BaseURL:      cfg.YouTubeAPIBaseURL,
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	})

	// Each node gets its own delivery endpoint id; the registry records it
	// per connection so fan-out on any node can route pushes back here.
	endpoint := uuid.NewString()
	wsHub := hub.New()
	sender := &deliver.Router{Endpoint: endpoint, Hub: wsHub, Bus: msgBus, Topic: cfg.DeliveryTopic}
	consumer := &deliver.Consumer{Endpoint: endpoint, Hub: wsHub}
	consumer.Start(msgBus, cfg.DeliveryTopic)

	w := &worker.Worker{
		Bus:       msgBus,
		Feed:      feedClient,
		Registry:  registry,
		Livechats: livechats,
		Sender:    sender,
		Topic:     cfg.ContinuationTopic,
	}
	w.Start()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "livechat-relay",
	}
	credentials := auth.NewCredentialStore()
	sessions := &auth.TokenResolver{TokenConfig: tokenCfg, Credentials: credentials}

	router := server.NewRouter(server.Deps{
		TokenConfig:       tokenCfg,
		Credentials:       credentials,
		Sessions:          sessions,
		Registry:          registry,
		Livechats:         livechats,
		Feed:              feedClient,
		Bus:               msgBus,
		Hub:               wsHub,
		Endpoint:          endpoint,
		ContinuationTopic: cfg.ContinuationTopic,
	})
	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, router))
}
