package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telegram-grid-bot-go/internal/bot"
	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/persistence"
	"telegram-grid-bot-go/internal/reporter"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SessionService 是控制API需要的会话操作，*bot.Manager 实现了它
type SessionService interface {
	StartSession(userID int64, symbol string, params models.BotParameters, gw exchange.Gateway) (string, error)
	StopSession(userID int64) bool
	Snapshot(userID int64) (models.GridSession, bool)
	Sessions() []models.GridSession
}

// GatewayProvider 为用户创建交易所网关
type GatewayProvider interface {
	ForUser(user *models.UserRecord) (exchange.Gateway, error)
}

// Server 是会话控制的 HTTP 接口
type Server struct {
	Router   *gin.Engine
	sessions SessionService
	users    persistence.UserRepository
	gateways GatewayProvider
	reports  *reporter.Reporter
	logger   *zap.Logger
	started  time.Time
}

type startRequest struct {
	Symbol string `json:"symbol"`
}

// NewServer 创建控制API并注册路由
func NewServer(sessions SessionService, users persistence.UserRepository, gateways GatewayProvider, reports *reporter.Reporter, token string, logger *zap.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(rate.NewLimiter(rate.Limit(20), 50)))

	s := &Server{
		Router:   r,
		sessions: sessions,
		users:    users,
		gateways: gateways,
		reports:  reports,
		logger:   logger,
		started:  time.Now(),
	}
	s.routes(token)
	return s
}

func (s *Server) routes(token string) {
	s.Router.GET("/healthz", s.health)

	protected := s.Router.Group("")
	protected.Use(TokenAuthMiddleware(token))
	{
		protected.GET("/sessions", s.listSessions)
		protected.GET("/sessions/:user", s.getSession)
		protected.POST("/sessions/:user/start", s.startSession)
		protected.POST("/sessions/:user/stop", s.stopSession)
		protected.GET("/users/:user/profit", s.getProfit)
	}
}

// Handler 返回可挂载到 http.Server 的处理器
func (s *Server) Handler() http.Handler {
	return s.Router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.sessions.Sessions()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Sessions()})
}

func (s *Server) getSession(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	session, found := s.sessions.Snapshot(userID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for user"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) startSession(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	user, err := s.users.Get(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	symbol := user.Symbol
	if req.Symbol != "" {
		symbol = strings.ToUpper(req.Symbol)
	}
	if _, _, err := exchange.SplitSymbol(symbol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previousSymbol := user.Symbol
	user.Symbol = symbol
	gw, err := s.gateways.ForUser(user)
	if errors.Is(err, persistence.ErrNoCredentials) {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := s.sessions.StartSession(userID, symbol, user.Params, gw)
	if err != nil {
		if closer, ok := gw.(io.Closer); ok {
			_ = closer.Close()
		}
		status := http.StatusBadRequest
		if errors.Is(err, bot.ErrAlreadyRunning) || errors.Is(err, bot.ErrStillStopping) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if previousSymbol != symbol {
		if err := s.users.Save(user); err != nil {
			s.logger.Warn("保存交易对失败", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "symbol": symbol})
}

func (s *Server) stopSession(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"was_active": s.sessions.StopSession(userID)})
}

func (s *Server) getProfit(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if raw := c.Query("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		profit, err := s.reports.ProfitPeriod(ctx, userID, days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "days": days, "profit": profit})
		return
	}

	windows, err := s.reports.Windows(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "windows": windows})
}

func userParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return userID, true
}
