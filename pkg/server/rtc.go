package server

import (
	"net/http"
	"strconv"

	"github.com/BetaCatPro/medlink-rt/internal/utils"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/gin-gonic/gin"
)

// 业务错误码
const (
	codeOK           = 0
	codeBadRequest   = 400
	codeUnauthorized = 401
	codeInternal     = 500
)

const ctxTraceID = "trace_id"

// result 统一响应结构
type result struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	TraceID string      `json:"traceId,omitempty"`
}

func success(data interface{}, c *gin.Context) result {
	return result{Code: codeOK, Message: "success", Data: data, TraceID: c.GetString(ctxTraceID)}
}

func failure(code int, message string, c *gin.Context) result {
	return result{Code: code, Message: message, TraceID: c.GetString(ctxTraceID)}
}

// traceMiddleware 为每个请求分配追踪ID
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-Id")
		if traceID == "" {
			traceID = utils.GenerateTraceID()
		}
		c.Set(ctxTraceID, traceID)
		c.Header("X-Trace-Id", traceID)
		c.Next()
	}
}

type loginRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   string `json:"role"`
}

type loginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	ExpireAt int64  `json:"expireAt"`
}

// handleLogin 开发环境登录：任何用户ID都签发令牌
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure(codeBadRequest, "Invalid request body", c))
		return
	}
	token, expireAt, err := s.IssueToken(req.UserID, req.Role)
	if err != nil {
		log.Errorw("签发令牌失败", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, failure(codeInternal, "Failed to generate token", c))
		return
	}
	c.JSON(http.StatusOK, success(loginResponse{Token: token, UserID: req.UserID, ExpireAt: expireAt.UnixMilli()}, c))
}

func consultationParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, failure(codeBadRequest, "invalid consultation id", c))
		return 0, false
	}
	return id, true
}

// handleRTCToken GET /api/rtc/token/:id
func (s *Server) handleRTCToken(c *gin.Context) {
	id, valid := consultationParam(c)
	if !valid {
		return
	}
	userID := c.GetString(ctxUserID)
	token, err := s.issueRTCToken(id, userID, c.GetString(ctxRole))
	if err != nil {
		log.Errorw("生成RTC令牌失败", "consultation", id, "error", err)
		c.JSON(http.StatusInternalServerError, failure(codeInternal, "Failed to generate rtc token", c))
		return
	}
	log.Infow("用户获取RTC令牌", "user", userID, "consultation", id, "room", token.RoomID)
	c.JSON(http.StatusOK, success(token, c))
}

// handleRTCJoin POST /api/rtc/join/:id
func (s *Server) handleRTCJoin(c *gin.Context) {
	id, valid := consultationParam(c)
	if !valid {
		return
	}
	userID := c.GetString(ctxUserID)
	if err := s.connManager.JoinRoom(c.Request.Context(), roomName(id), userID); err != nil {
		c.JSON(http.StatusInternalServerError, failure(codeInternal, err.Error(), c))
		return
	}
	log.Infow("用户加入RTC房间", "user", userID, "consultation", id)
	c.JSON(http.StatusOK, success(nil, c))
}

// handleRTCLeave POST /api/rtc/leave/:id
func (s *Server) handleRTCLeave(c *gin.Context) {
	id, valid := consultationParam(c)
	if !valid {
		return
	}
	userID := c.GetString(ctxUserID)
	if err := s.connManager.LeaveRoom(c.Request.Context(), roomName(id), userID); err != nil {
		c.JSON(http.StatusInternalServerError, failure(codeInternal, err.Error(), c))
		return
	}
	log.Infow("用户离开RTC房间", "user", userID, "consultation", id)
	c.JSON(http.StatusOK, success(nil, c))
}

type pushRequest struct {
	UserID         string            `json:"userId"`
	ConsultationID int64             `json:"consultationId"`
	Type           types.MessageType `json:"type" binding:"required"`
	Data           interface{}       `json:"data"`
}

// handlePush POST /api/push 向用户、问诊房间或所有在线用户推送消息
func (s *Server) handlePush(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure(codeBadRequest, "Invalid request body", c))
		return
	}
	msg, err := types.NewMessage(req.Type, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, failure(codeBadRequest, err.Error(), c))
		return
	}
	msg.TraceID = c.GetString(ctxTraceID)

	var delivered int
	switch {
	case req.UserID != "":
		if err := s.connManager.SendToUser(req.UserID, msg); err == nil {
			delivered = 1
		}
	case req.ConsultationID > 0:
		delivered, err = s.connManager.BroadcastToRoom(c.Request.Context(), roomName(req.ConsultationID), msg, "")
		if err != nil {
			c.JSON(http.StatusInternalServerError, failure(codeInternal, err.Error(), c))
			return
		}
	default:
		delivered = s.connManager.Broadcast(msg)
	}
	c.JSON(http.StatusOK, success(gin.H{"delivered": delivered}, c))
}
