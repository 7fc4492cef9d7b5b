// Package session 管理唯一的券商认证会话：并发调用共享同一次续期，
// 返回给调用方的句柄保证距过期至少还有安全余量。
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tasty-agent/internal/broker"
)

// Guardian 独占持有券商会话并负责透明续期。
type Guardian struct {
	client broker.Client
	margin time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	current broker.Session
	valid   bool

	renew singleflight.Group
	now   func() time.Time
}

// NewGuardian 创建会话守护。margin 为续期安全余量。
func NewGuardian(client broker.Client, margin time.Duration, logger *zap.Logger) *Guardian {
	if margin <= 0 {
		margin = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guardian{
		client: client,
		margin: margin,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire 返回可用会话。距过期不足 margin 时触发续期；
// 同一时刻最多一次续期在途，其余调用方等待并共享其结果。
func (g *Guardian) Acquire(ctx context.Context) (broker.Session, error) {
	g.mu.RLock()
	current, valid := g.current, g.valid
	g.mu.RUnlock()

	if valid && !current.ExpiresWithin(g.now(), g.margin) {
		return current, nil
	}

	result, err, _ := g.renew.Do("renew", func() (interface{}, error) {
		// 进入临界区后重查：等待期间可能已有人完成续期。
		g.mu.RLock()
		current, valid := g.current, g.valid
		g.mu.RUnlock()
		if valid && !current.ExpiresWithin(g.now(), g.margin) {
			return current, nil
		}

		session, err := g.establish(ctx, current, valid)
		if err != nil {
			return broker.Session{}, err
		}

		g.mu.Lock()
		g.current = session
		g.valid = true
		g.mu.Unlock()

		g.logger.Info("券商会话已就绪",
			zap.String("account_id", session.AccountID),
			zap.Time("expires_at", session.ExpiresAt),
		)
		return session, nil
	})
	if err != nil {
		return broker.Session{}, err
	}

	return result.(broker.Session), nil
}

// establish 执行一轮登录或续期，失败后用旧会话重试一次。
func (g *Guardian) establish(ctx context.Context, current broker.Session, valid bool) (broker.Session, error) {
	var session broker.Session
	var err error

	if valid {
		session, err = g.client.RenewSession(ctx, current)
	} else {
		session, err = g.client.Login(ctx)
	}
	if err == nil {
		return session, nil
	}

	g.logger.Warn("会话续期失败，重试一次", zap.Error(err))

	if valid {
		session, err = g.client.RenewSession(ctx, current)
	} else {
		session, err = g.client.Login(ctx)
	}
	if err == nil {
		return session, nil
	}

	if broker.KindOf(err) != broker.ErrAuthentication {
		err = broker.WrapError(broker.ErrAuthentication, err, "会话无法建立或续期")
	}
	return broker.Session{}, err
}

// Invalidate 丢弃当前会话，下次 Acquire 将重新登录。
func (g *Guardian) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valid = false
}
