package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/feedrelay/internal/scheduler"
)

// Pipeline 由 scheduler.Scheduler 实现
type Pipeline interface {
	Status() scheduler.Status
	Running() bool
	Trigger() bool
}

type Server struct {
	pipeline  Pipeline
	basicUser string
	basicPass string
}

func NewServer(p Pipeline, basicUser, basicPass string) *Server {
	return &Server{pipeline: p, basicUser: basicUser, basicPass: basicPass}
}

// Handler 返回配置好路由的 gin 引擎
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/ready", s.ready)

	protected := r.Group("/")
	// 配置了账号密码才启用 Basic Auth；/health 与 /ready 始终免认证，便于探活
	if s.basicUser != "" && s.basicPass != "" {
		protected.Use(basicAuthMiddleware(s.basicUser, s.basicPass))
	}
	protected.GET("/status", s.status)
	protected.POST("/api/v1/check", s.check)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ready(c *gin.Context) {
	if !s.pipeline.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    s.pipeline.Status(),
	})
}

func (s *Server) check(c *gin.Context) {
	if !s.pipeline.Trigger() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "not_running",
			"message": "pipeline is not running",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"code":    "ok",
		"message": "check triggered",
	})
}

func basicAuthMiddleware(user, pass string) gin.HandlerFunc {
	const realm = "Restricted"
	uBytes := []byte(user)
	pBytes := []byte(pass)

	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="`+realm+`"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
