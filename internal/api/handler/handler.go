package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/service"
)

// UserHeader 认证在网关完成，这里只读取调用方身份
const UserHeader = "X-User-ID"

// RequestHeader 客户端重试时携带同一个值，作为幂等键
const RequestHeader = "Idempotency-Key"

type Handler struct {
	dispatcher *service.Dispatcher
	reader     *service.Reader
	relService service.RelationshipService
	now        func() time.Time
}

func NewHandler(d *service.Dispatcher, r *service.Reader, rel service.RelationshipService) *Handler {
	return &Handler{dispatcher: d, reader: r, relService: rel, now: time.Now}
}

func (h *Handler) meta(c *gin.Context) domain.Meta {
	return domain.Meta{
		ActorID:   c.GetHeader(UserHeader),
		At:        h.now().UTC(),
		RequestID: c.GetHeader(RequestHeader),
	}
}
