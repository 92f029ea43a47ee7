// Package config loads the realtime client and development backend settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BetaCatPro/medlink-rt/pkg/types"
)

// 环境变量
const (
	EnvWSURL        = "MEDLINK_WS_URL"
	EnvAPIBaseURL   = "MEDLINK_API_BASE_URL"
	EnvTokenFile    = "MEDLINK_TOKEN_FILE"
	EnvLogLevel     = "MEDLINK_LOG_LEVEL"
	EnvProtocol     = "MEDLINK_PROTOCOL"
	EnvCompression  = "MEDLINK_COMPRESSION"
	EnvRedisAddr    = "MEDLINK_REDIS_ADDR"
	EnvJWTSecret    = "MEDLINK_JWT_SECRET"
	EnvListen       = "MEDLINK_LISTEN"
	EnvInboxDB      = "MEDLINK_INBOX_DB"
	EnvMaxReconnect = "MEDLINK_MAX_RECONNECT"
)

// fileConfig 配置文件格式，时间使用 "30s" 这类字符串
type fileConfig struct {
	WSURL      *string `json:"ws_url"`
	APIBaseURL *string `json:"api_base_url"`
	TokenFile  *string `json:"token_file"`

	HeartbeatInterval *string `json:"heartbeat_interval"`
	HeartbeatTimeout  *string `json:"heartbeat_timeout"`
	ReconnectBaseTime *string `json:"reconnect_base"`
	ReconnectMaxDelay *string `json:"reconnect_max"`
	MaxReconnectTimes *int    `json:"max_reconnect"`
	HandshakeTimeout  *string `json:"handshake_timeout"`
	WriteTimeout      *string `json:"write_timeout"`
	BufferSize        *int    `json:"buffer_size"`

	Protocol              *string `json:"protocol"`
	Compression           *string `json:"compression"`
	MaxSubscribersPerType *int    `json:"max_subscribers_per_type"`

	ICEServers []string `json:"ice_servers"`
	LogLevel   *string  `json:"log_level"`

	ListenAddr *string `json:"listen_addr"`
	JWTSecret  *string `json:"jwt_secret"`
	RedisAddr  *string `json:"redis_addr"`
	InboxDB    *string `json:"inbox_db"`
}

// Load 默认值 -> 配置文件（path 为空时跳过） -> 环境变量，最后校验
func Load(path string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := apply(cfg, data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func apply(cfg *types.Config, data []byte) error {
	var fc fileConfig
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return err
	}

	setString(&cfg.WSURL, fc.WSURL)
	setString(&cfg.APIBaseURL, fc.APIBaseURL)
	setString(&cfg.TokenFile, fc.TokenFile)
	setString(&cfg.Protocol, fc.Protocol)
	setString(&cfg.Compression, fc.Compression)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.JWTSecret, fc.JWTSecret)
	setString(&cfg.RedisAddr, fc.RedisAddr)
	setString(&cfg.InboxDB, fc.InboxDB)
	setInt(&cfg.MaxReconnectTimes, fc.MaxReconnectTimes)
	setInt(&cfg.BufferSize, fc.BufferSize)
	setInt(&cfg.MaxSubscribersPerType, fc.MaxSubscribersPerType)
	if fc.ICEServers != nil {
		cfg.ICEServers = fc.ICEServers
	}

	durations := []struct {
		name string
		dst  *time.Duration
		src  *string
	}{
		{"heartbeat_interval", &cfg.HeartbeatInterval, fc.HeartbeatInterval},
		{"heartbeat_timeout", &cfg.HeartbeatTimeout, fc.HeartbeatTimeout},
		{"reconnect_base", &cfg.ReconnectBaseTime, fc.ReconnectBaseTime},
		{"reconnect_max", &cfg.ReconnectMaxDelay, fc.ReconnectMaxDelay},
		{"handshake_timeout", &cfg.HandshakeTimeout, fc.HandshakeTimeout},
		{"write_timeout", &cfg.WriteTimeout, fc.WriteTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *types.Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvWSURL:       &cfg.WSURL,
		EnvAPIBaseURL:  &cfg.APIBaseURL,
		EnvTokenFile:   &cfg.TokenFile,
		EnvLogLevel:    &cfg.LogLevel,
		EnvProtocol:    &cfg.Protocol,
		EnvCompression: &cfg.Compression,
		EnvRedisAddr:   &cfg.RedisAddr,
		EnvJWTSecret:   &cfg.JWTSecret,
		EnvListen:      &cfg.ListenAddr,
		EnvInboxDB:     &cfg.InboxDB,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup(EnvMaxReconnect); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxReconnect, err)
		}
		cfg.MaxReconnectTimes = n
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
