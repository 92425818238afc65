package server

import (
	"net/http"
	"time"

	"carscanada/internal/auth"
	"carscanada/internal/config"
	"carscanada/internal/metrics"
	"carscanada/internal/mw"
	"carscanada/internal/service"
	"carscanada/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由需要的全部依赖。
type Deps struct {
	Handler  *Handler
	Verifier *auth.Verifier
	Hub      *ws.Hub
	WS       ws.Deps
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	// 控制单个 IP+路由的速率，消息发送另有按用户的固定窗口限流。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := d.Handler
	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(d.Verifier))

	authed.POST("/conversations", h.StartConversation)
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.GET("/conversations/:id/messages", h.ListMessages)
	authed.POST("/conversations/:id/messages", h.SendMessage)
	authed.POST("/conversations/:id/read", h.MarkRead)
	authed.GET("/messages/unread-count", h.UnreadCount)

	r.GET("/ws", ws.Serve(d.Hub, d.WS, cfg.AllowedOrigins))
	return r
}

// NewDeps 组装 service 层与 WebSocket 会话依赖，hub 同时作为 service 的广播器。
func NewDeps(cfg config.Config, gw service.Gateway, users service.Users, limiter service.Limiter, notifier service.Notifier, hub *ws.Hub) Deps {
	convSvc := service.NewConversationService(gw, hub)
	msgSvc := service.NewMessageService(gw, hub, limiter, notifier)
	verifier := auth.NewVerifier(cfg.JWTSecret, users)
	return Deps{
		Handler:  NewHandler(service.NewUserService(users, cfg), convSvc, msgSvc),
		Verifier: verifier,
		Hub:      hub,
		WS:       ws.Deps{Verifier: verifier, Gateway: gw, Messages: msgSvc},
	}
}
