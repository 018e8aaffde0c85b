package routes

import (
	"log/slog"
	"net/http"
	"time"

	"chat-gateway/internal/api/handlers"
	"chat-gateway/internal/api/middleware"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "chat-gateway/docs"
)

type Deps struct {
	Gateway        handlers.GatewayAPI
	Upgrader       http.Handler
	Deletion       handlers.AccountDeletion
	RateLimiter    middleware.RateLimiter
	Redis          handlers.Pinger
	SessionCount   func() int
	InternalSecret string
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Router struct {
	engine          *gin.Engine
	wsHandler       *handlers.WSHandler
	gatewayHandler  *handlers.GatewayHandler
	deletionHandler *handlers.DeletionHandler
	healthHandler   *handlers.HealthHandler
	rateLimitMW     *middleware.RateLimitMiddleware
	authMW          *middleware.ServiceAuthMiddleware
}

func NewRouter(deps Deps) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(deps.AllowedOrigins))
	engine.Use(middleware.LogApi("/health"))

	sessions := deps.SessionCount
	if sessions == nil {
		sessions = func() int { return 0 }
	}

	r := &Router{
		engine:          engine,
		wsHandler:       handlers.NewWSHandler(deps.Upgrader),
		gatewayHandler:  handlers.NewGatewayHandler(deps.Gateway, deps.Logger),
		deletionHandler: handlers.NewDeletionHandler(deps.Deletion, deps.Logger),
		healthHandler:   handlers.NewHealthHandler(deps.Redis, sessions),
		authMW:          middleware.NewServiceAuthMiddleware(deps.InternalSecret),
	}
	if deps.RateLimiter != nil {
		r.rateLimitMW = middleware.NewRateLimitMiddleware(deps.RateLimiter, deps.Logger)
	}
	return r
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/health", r.healthHandler.Health)
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	gw := []gin.HandlerFunc{}
	if r.rateLimitMW != nil {
		gw = append(gw, r.rateLimitMW.RateLimitIP(30, time.Minute)) // 30 connects per minute per IP
	}
	gw = append(gw, r.wsHandler.HandleWebSocket)
	r.engine.GET("/gateway", gw...)

	internal := r.engine.Group("/internal")
	internal.Use(r.authMW.RequireService())
	{
		topics := internal.Group("/topics/:topic")
		{
			topics.POST("/events", r.gatewayHandler.PublishEvent)
			topics.PUT("/users/:userId", r.gatewayHandler.SubscribeUser)
			topics.DELETE("/users/:userId", r.gatewayHandler.UnsubscribeUser)
		}

		users := internal.Group("/users/:userId")
		{
			users.DELETE("/sessions", r.gatewayHandler.CloseSessions)
			users.GET("/presence", r.gatewayHandler.GetPresence)
			users.POST("/deletion", r.deletionHandler.ScheduleDeletion)
			users.DELETE("/deletion", r.deletionHandler.CancelDeletion)
		}
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
