package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"livechat-relay/internal/auth"
	"livechat-relay/internal/bus"
	"livechat-relay/internal/feed"
	"livechat-relay/internal/gateway"
	"livechat-relay/internal/handler"
	"livechat-relay/internal/hub"
	"livechat-relay/internal/middleware"
	"livechat-relay/internal/store"
)

type Deps struct {
	TokenConfig       auth.TokenConfig
	Credentials       *auth.CredentialStore
	Sessions          auth.SessionResolver
	Registry          store.ConnectionRegistry
	Livechats         store.LivechatStore
	Feed              feed.Client
	Bus               bus.Bus
	Hub               *hub.Hub
	Endpoint          string
	ContinuationTopic string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	sessionHandler := &handler.SessionHandler{Credentials: deps.Credentials}
	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.PUT("/session", sessionHandler.Put)

	gw := &gateway.Gateway{
		Sessions:          deps.Sessions,
		Registry:          deps.Registry,
		Livechats:         deps.Livechats,
		Feed:              deps.Feed,
		Bus:               deps.Bus,
		ContinuationTopic: deps.ContinuationTopic,
	}
	wsHandler := &handler.WebSocketHandler{Gateway: gw, Hub: deps.Hub, Endpoint: deps.Endpoint}
	connectLimiter := middleware.NewConnectLimiter(30, time.Minute)
	r.GET("/ws", middleware.LimitConnects(connectLimiter), wsHandler.Serve)

	return r
}
