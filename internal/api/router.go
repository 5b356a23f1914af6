package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedpipe/internal/api/handler"
	"github.com/d60-Lab/feedpipe/pkg/response"
)

type RouterOptions struct {
	ServiceName string
	// Metrics 为 nil 时不挂 /metrics
	Metrics http.Handler
	Log     *zap.Logger
}

func NewRouter(h *handler.Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(recovered), accessLog(opts.Log), gzip.Gzip(gzip.DefaultCompression))
	if opts.ServiceName != "" {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := r.Group("/api/v1")
	{
		posts := v1.Group("/posts")
		posts.POST("", h.CreatePost)
		posts.GET("/:id", h.GetPost)
		posts.PATCH("/:id", h.EditPost)
		posts.DELETE("/:id", h.DeletePost)
		posts.POST("/:id/like", h.LikePost)
		posts.DELETE("/:id/like", h.UnlikePost)

		v1.GET("/users/:user_id/timeline", h.Timeline)

		rel := v1.Group("/relations")
		rel.POST("/follow", h.Follow)
		rel.POST("/unfollow", h.Unfollow)
		rel.GET("/:user_id/following", h.ListFollowing)
		rel.GET("/:user_id/fans", h.ListFans)
	}
	return r
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			log.Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("request", fields...)
	}
}

// recovered panic 也按统一的响应结构返回 500
func recovered(c *gin.Context, v any) {
	response.InternalError(c, fmt.Errorf("panic: %v", v))
	c.Abort()
}
