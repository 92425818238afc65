package server

import (
	"net/http"
	"strconv"
	"strings"

	"carscanada/internal/auth"
	"carscanada/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	convSvc *service.ConversationService
	msgSvc  *service.MessageService
}

func NewHandler(userSvc *service.UserService, convSvc *service.ConversationService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, convSvc: convSvc, msgSvc: msgSvc}
}

// writeError 将业务错误映射为 HTTP 状态码，内部错误只记录日志不外泄。
func writeError(c *gin.Context, err error, action string) {
	reason := service.Reason(err)
	status := http.StatusInternalServerError
	switch reason {
	case "unauthenticated":
		status = http.StatusUnauthorized
	case "forbidden":
		status = http.StatusForbidden
	case "invalid":
		status = http.StatusBadRequest
	case "rate_limited":
		status = http.StatusTooManyRequests
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg(action)
	}
	c.JSON(status, gin.H{"error": service.PublicMessage(err), "reason": reason})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return uint(id), true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 72 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		writeError(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// StartConversation 对同一 (listing, buyer) 幂等，已存在时返回 200。
func (h *Handler) StartConversation(c *gin.Context) {
	var req struct {
		ListingID uint `json:"listingId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ListingID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, created, err := h.convSvc.Start(c.Request.Context(), req.ListingID, auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "start conversation")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.convSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) GetConversation(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	conv, err := h.convSvc.Get(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "get conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.convSvc.Delete(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		writeError(c, err, "delete conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListMessages 处理获取会话消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.ParseUint(bid, 10, 64); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.List(c.Request.Context(), id, auth.GetUserID(c), limit, beforeID)
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) SendMessage(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Send(c.Request.Context(), id, auth.GetUserID(c), req.Content)
	if err != nil {
		writeError(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	n, err := h.msgSvc.MarkRead(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.msgSvc.UnreadCount(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "unread count")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}
