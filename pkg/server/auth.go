package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userTokenTTL = 24 * time.Hour
	rtcTokenTTL  = 30 * time.Minute
	rtcAppID     = "medlink-rtc"

	ctxUserID = "user_id"
	ctxRole   = "role"
)

// UserClaims 访问令牌声明，sub 为用户ID
type UserClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// RTCClaims 视频房间令牌声明
type RTCClaims struct {
	RoomID         string `json:"roomId"`
	ConsultationID int64  `json:"consultationId"`
	Role           string `json:"role"`
	AppID          string `json:"appId"`
	jwt.RegisteredClaims
}

// IssueToken 签发用户访问令牌
func (s *Server) IssueToken(userID, role string) (string, time.Time, error) {
	now := s.now()
	expireAt := now.Add(userTokenTTL)
	claims := UserClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, expireAt, err
}

// VerifyToken 校验用户访问令牌，返回声明
func (s *Server) VerifyToken(tokenString string) (*UserClaims, error) {
	claims := &UserClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// issueRTCToken 生成与问诊和用户绑定的房间令牌
func (s *Server) issueRTCToken(consultationID int64, userID, role string) (types.RTCToken, error) {
	now := s.now()
	expireAt := now.Add(rtcTokenTTL)
	roomID := roomName(consultationID)
	if role == "" {
		role = "UNKNOWN"
	}
	claims := RTCClaims{
		RoomID:         roomID,
		ConsultationID: consultationID,
		Role:           role,
		AppID:          rtcAppID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expireAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return types.RTCToken{}, err
	}
	return types.RTCToken{
		Token:    token,
		RoomID:   roomID,
		UID:      userID,
		AppID:    rtcAppID,
		ExpireAt: expireAt.UnixMilli(),
	}, nil
}

// ValidateRTCToken 校验房间令牌是否属于该问诊与用户
func (s *Server) ValidateRTCToken(tokenString string, consultationID int64, userID string) bool {
	claims := &RTCClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		log.Warnw("RTC令牌验证失败", "error", err)
		return false
	}
	return claims.ConsultationID == consultationID && claims.Subject == userID
}

func roomName(consultationID int64) string {
	return "room_" + strconv.FormatInt(consultationID, 10)
}

// jwtAuth Bearer 令牌校验中间件
func (s *Server) jwtAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, failure(codeUnauthorized, "Authorization header required", c))
			return
		}
		claims, err := s.VerifyToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, failure(codeUnauthorized, "Invalid token", c))
			return
		}
		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}
