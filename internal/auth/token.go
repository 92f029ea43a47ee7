package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("auth")

// TokenSource 提供当前的访问令牌，空字符串表示未登录
type TokenSource interface {
	Token() (string, error)
}

// StaticToken 固定令牌
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// TokenFunc 函数适配器
type TokenFunc func() (string, error)

func (f TokenFunc) Token() (string, error) { return f() }

// CheckExpiry 检查令牌是否过期。只解析不验签；非JWT令牌或无 exp 声明视为有效
func CheckExpiry(token string, now time.Time) error {
	if token == "" {
		return errors.ErrNoToken
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w at %s", errors.ErrTokenExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

// FileToken 从文件读取令牌，文件变化时自动重新加载
type FileToken struct {
	path    string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFileToken 读取令牌文件并监听其所在目录
func NewFileToken(path string) (*FileToken, error) {
	ft := &FileToken{
		path:   path,
		closed: make(chan struct{}),
	}
	if err := ft.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// 监听目录以覆盖编辑器的“写临时文件再改名”保存方式
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	ft.watcher = watcher
	go ft.watchLoop()
	return ft, nil
}

func (ft *FileToken) reload() error {
	data, err := os.ReadFile(ft.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))

	ft.mu.Lock()
	changed := token != ft.token
	ft.token = token
	ft.mu.Unlock()

	if changed {
		log.Infow("token reloaded", "path", ft.path, "empty", token == "")
	}
	return nil
}

func (ft *FileToken) watchLoop() {
	target := filepath.Clean(ft.path)
	for {
		select {
		case <-ft.closed:
			return
		case event, ok := <-ft.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := ft.reload(); err != nil {
					log.Warnw("token reload failed", "error", err)
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				ft.mu.Lock()
				ft.token = ""
				ft.mu.Unlock()
				log.Warnw("token file removed", "path", ft.path)
			}
		case err, ok := <-ft.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("watcher error", "error", err)
		}
	}
}

// Token 返回当前令牌
func (ft *FileToken) Token() (string, error) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return ft.token, nil
}

// Close 停止监听
func (ft *FileToken) Close() error {
	var err error
	ft.closeOnce.Do(func() {
		close(ft.closed)
		if ft.watcher != nil {
			err = ft.watcher.Close()
		}
	})
	return err
}
