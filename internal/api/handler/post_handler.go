package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/feedpipe/internal/domain"
	"github.com/d60-Lab/feedpipe/internal/service"
	"github.com/d60-Lab/feedpipe/pkg/response"
)

type createPostRequest struct {
	PostID    string     `json:"post_id"`
	Content   string     `json:"content"`
	PublishAt *time.Time `json:"publish_at"`
}

type editPostRequest struct {
	Content   string     `json:"content"`
	PublishAt *time.Time `json:"publish_at"`
}

// CreatePost 发帖（可定时）
func (h *Handler) CreatePost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, err := h.dispatcher.Dispatch(c.Request.Context(), domain.CreatePost{
		Meta:      h.meta(c),
		PostID:    req.PostID,
		Content:   req.Content,
		PublishAt: req.PublishAt,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, service.NewPostView(p))
}

// GetPost 读帖子（走缓存）
func (h *Handler) GetPost(c *gin.Context) {
	v, err := h.reader.GetPost(c.Request.Context(), c.GetHeader(UserHeader), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, v)
}

func (h *Handler) EditPost(c *gin.Context) {
	var req editPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.dispatch(c, domain.EditPost{Meta: h.meta(c), PostID: c.Param("id"), Content: req.Content, PublishAt: req.PublishAt})
}

func (h *Handler) DeletePost(c *gin.Context) {
	h.dispatch(c, domain.DeletePost{Meta: h.meta(c), PostID: c.Param("id")})
}

func (h *Handler) LikePost(c *gin.Context) {
	h.dispatch(c, domain.LikePost{Meta: h.meta(c), PostID: c.Param("id")})
}

func (h *Handler) UnlikePost(c *gin.Context) {
	h.dispatch(c, domain.UnlikePost{Meta: h.meta(c), PostID: c.Param("id")})
}

func (h *Handler) dispatch(c *gin.Context, cmd domain.Command) {
	p, err := h.dispatcher.Dispatch(c.Request.Context(), cmd)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, service.NewPostView(p))
}

// Timeline 用户时间线，page 从 1 开始
func (h *Handler) Timeline(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	tl, err := h.reader.GetTimelinePage(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, tl)
}
