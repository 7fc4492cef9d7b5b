// Package cache 维护账户状态（资金、持仓、在途委托）的最近快照：
// 超过TTL的读取触发同步回源，变更操作之后显式失效，
// 回源失败时宁可返回带陈旧标记的旧值也不让读取不可用。
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/config"
)

// Kind 标识缓存的资源类别。
type Kind string

const (
	KindBalances   Kind = "balances"
	KindPositions  Kind = "positions"
	KindLiveOrders Kind = "live_orders"
)

// accountReader 为缓存回源所需的网关读取面。
type accountReader interface {
	GetBalances(ctx context.Context) (broker.Balances, error)
	GetPositions(ctx context.Context) ([]broker.Position, error)
	GetLiveOrders(ctx context.Context) ([]broker.LiveOrder, error)
}

// Snapshot 为某一资源类别的只读快照。Stale 表示回源失败后
// 返回的是上一次的旧值。
type Snapshot struct {
	Kind       Kind
	Balances   broker.Balances
	Positions  []broker.Position
	LiveOrders []broker.LiveOrder
	FetchedAt  time.Time
	Stale      bool
	Warning    string
}

type entry struct {
	snapshot Snapshot
	valid    bool
	gen      uint64
}

// Cache 为带TTL与显式失效的账户状态缓存。
type Cache struct {
	reader accountReader
	logger *zap.Logger
	ttl    map[Kind]time.Duration

	mu      sync.Mutex
	entries map[Kind]*entry
	group   singleflight.Group

	now func() time.Time
}

// NewCache 创建缓存。
func NewCache(reader accountReader, cfg config.CacheConfig, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := map[Kind]time.Duration{
		KindBalances:   cfg.BalancesTTL,
		KindPositions:  cfg.PositionsTTL,
		KindLiveOrders: cfg.LiveOrdersTTL,
	}
	for kind, d := range ttl {
		if d <= 0 {
			ttl[kind] = 30 * time.Second
		}
	}

	return &Cache{
		reader: reader,
		logger: logger,
		ttl:    ttl,
		entries: map[Kind]*entry{
			KindBalances:   {},
			KindPositions:  {},
			KindLiveOrders: {},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Get 返回指定类别的最新已知快照。条目过期或已失效时同步回源；
// 同类别并发回源共享同一次网关调用。
func (c *Cache) Get(ctx context.Context, kind Kind) (Snapshot, error) {
	if _, ok := c.ttl[kind]; !ok {
		return Snapshot{}, broker.NewError(broker.ErrInvalidOrderSpec, "未知的缓存类别 %q", kind)
	}

	c.mu.Lock()
	e := c.entries[kind]
	cached := e.snapshot
	hasPrev := e.valid
	fresh := e.valid && c.now().Sub(e.snapshot.FetchedAt) <= c.ttl[kind]
	c.mu.Unlock()

	if fresh {
		return cached, nil
	}

	result, err, _ := c.group.Do(string(kind), func() (interface{}, error) {
		c.mu.Lock()
		startGen := c.entries[kind].gen
		c.mu.Unlock()

		snapshot, refillErr := c.refill(ctx, kind)
		if refillErr != nil {
			return Snapshot{}, refillErr
		}

		c.mu.Lock()
		// 回源期间发生过失效则丢弃写入，避免把变更前的快照当作新鲜值。
		if e := c.entries[kind]; e.gen == startGen {
			e.snapshot = snapshot
			e.valid = true
		}
		c.mu.Unlock()
		return snapshot, nil
	})
	if err == nil {
		return result.(Snapshot), nil
	}

	// 回源失败：有旧值则降级返回，换可用性不换严格新鲜度。
	if hasPrev {
		c.logger.Warn("缓存回源失败，返回陈旧快照",
			zap.String("kind", string(kind)),
			zap.Time("fetched_at", cached.FetchedAt),
			zap.Error(err),
		)
		cached.Stale = true
		cached.Warning = fmt.Sprintf("数据可能陈旧（取自 %s）: %v", cached.FetchedAt.Format(time.RFC3339), err)
		return cached, nil
	}
	return Snapshot{}, err
}

// refill 执行一次回源，对可重试错误重试一次。
func (c *Cache) refill(ctx context.Context, kind Kind) (Snapshot, error) {
	snapshot, err := c.fetch(ctx, kind)
	if err != nil && broker.IsRetryable(err) {
		c.logger.Warn("缓存回源暂时失败，重试一次",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		snapshot, err = c.fetch(ctx, kind)
	}
	return snapshot, err
}

func (c *Cache) fetch(ctx context.Context, kind Kind) (Snapshot, error) {
	snapshot := Snapshot{Kind: kind, FetchedAt: c.now()}
	switch kind {
	case KindBalances:
		balances, err := c.reader.GetBalances(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Balances = balances
	case KindPositions:
		positions, err := c.reader.GetPositions(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Positions = positions
	case KindLiveOrders:
		orders, err := c.reader.GetLiveOrders(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.LiveOrders = orders
	}
	return snapshot, nil
}

// Invalidate 使指定类别立即失效，下一次读取必定回源。
// 订单引擎在提交/撤销/修改成功后调用。
func (c *Cache) Invalidate(kinds ...Kind) {
	c.mu.Lock()
	for _, kind := range kinds {
		if e, ok := c.entries[kind]; ok {
			e.valid = false
			e.gen++
		}
	}
	c.mu.Unlock()

	// 在途回源采样于失效之前，后续读取不得再搭乘它。
	for _, kind := range kinds {
		c.group.Forget(string(kind))
	}
}
