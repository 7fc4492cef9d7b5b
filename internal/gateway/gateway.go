// Package gateway 将全部券商调用汇入一条限速通道：按到达顺序放行，
// 超出速率的调用排队等待而非被拒绝，读写共用同一队列以避免优先级反转。
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/session"
)

// Gateway 为限速的券商调用网关。每个放行的调用均携带有效会话。
type Gateway struct {
	client   broker.Client
	guardian *session.Guardian
	logger   *zap.Logger

	interval time.Duration
	queue    chan waiter
	done     chan struct{}
}

type waiter struct {
	admit chan struct{}
}

// NewGateway 创建网关并启动放行协程。perMinute 为每分钟允许的调用数。
func NewGateway(client broker.Client, guardian *session.Guardian, perMinute int, logger *zap.Logger) *Gateway {
	if perMinute <= 0 {
		perMinute = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gw := &Gateway{
		client:   client,
		guardian: guardian,
		logger:   logger,
		interval: time.Minute / time.Duration(perMinute),
		queue:    make(chan waiter, 1024),
		done:     make(chan struct{}),
	}
	go gw.dispatch()
	return gw
}

// Close 停止放行协程。已入队的调用会收到放行信号后照常执行。
func (gw *Gateway) Close() {
	close(gw.done)
}

// dispatch 按固定节奏放行队首调用，保证严格 FIFO。
func (gw *Gateway) dispatch() {
	next := time.Now()
	for {
		select {
		case <-gw.done:
			return
		case w := <-gw.queue:
			now := time.Now()
			if now.Before(next) {
				timer := time.NewTimer(next.Sub(now))
				select {
				case <-gw.done:
					timer.Stop()
					close(w.admit)
					return
				case <-timer.C:
				}
			}
			close(w.admit)
			next = time.Now().Add(gw.interval)
		}
	}
}

// admit 阻塞至本调用被放行或 ctx 取消。
func (gw *Gateway) admit(ctx context.Context) error {
	w := waiter{admit: make(chan struct{})}
	select {
	case gw.queue <- w:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w.admit:
		return nil
	case <-gw.done:
		// 关闭后不再限速，排队中的调用立即放行。
		return nil
	case <-ctx.Done():
		// 放行协程最终仍会消费该席位；一次空放行可接受。
		return ctx.Err()
	}
}

// do 为一次券商调用完成排队放行与会话借用。
func (gw *Gateway) do(ctx context.Context, operation string, fn func(context.Context, broker.Session) error) error {
	if err := gw.admit(ctx); err != nil {
		return err
	}

	sess, err := gw.guardian.Acquire(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	err = fn(ctx, sess)
	gw.logger.Debug("券商调用完成",
		zap.String("operation", operation),
		zap.Duration("latency", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err != nil {
		return fmt.Errorf("gateway: %s 调用失败: %w", operation, err)
	}
	return nil
}

// GetBalances 查询账户资金。
func (gw *Gateway) GetBalances(ctx context.Context) (broker.Balances, error) {
	var out broker.Balances
	err := gw.do(ctx, "get_balances", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.GetBalances(ctx, sess)
		return callErr
	})
	return out, err
}

// GetPositions 查询持仓。
func (gw *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var out []broker.Position
	err := gw.do(ctx, "get_positions", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.GetPositions(ctx, sess)
		return callErr
	})
	return out, err
}

// GetLiveOrders 查询在途委托。
func (gw *Gateway) GetLiveOrders(ctx context.Context) ([]broker.LiveOrder, error) {
	var out []broker.LiveOrder
	err := gw.do(ctx, "get_live_orders", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.GetLiveOrders(ctx, sess)
		return callErr
	})
	return out, err
}

// GetOptionChain 查询期权链。
func (gw *Gateway) GetOptionChain(ctx context.Context, underlying string) (broker.OptionChain, error) {
	var out broker.OptionChain
	err := gw.do(ctx, "get_option_chain", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.GetOptionChain(ctx, sess, underlying)
		return callErr
	})
	return out, err
}

// GetQuote 查询买一卖一报价。
func (gw *Gateway) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	var out broker.Quote
	err := gw.do(ctx, "get_quote", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.GetQuote(ctx, sess, symbol)
		return callErr
	})
	return out, err
}

// GetMarketMetrics 查询市场指标。
func (gw *Gateway) GetMarketMetrics(ctx context.Context, symbols []string) ([]broker.MarketMetrics, error) {
	var out []broker.MarketMetrics
	err := gw.do(ctx, "get_market_metrics", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.GetMarketMetrics(ctx, sess, symbols)
		return callErr
	})
	return out, err
}

// GetTransactions 查询历史成交流水。
func (gw *Gateway) GetTransactions(ctx context.Context, since time.Time) ([]broker.Transaction, error) {
	var out []broker.Transaction
	err := gw.do(ctx, "get_transactions", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.GetTransactions(ctx, sess, since)
		return callErr
	})
	return out, err
}

// SubmitOrder 提交委托。写调用不做自动重试，失败原样透传。
func (gw *Gateway) SubmitOrder(ctx context.Context, ticket broker.OrderTicket) (broker.LiveOrder, error) {
	var out broker.LiveOrder
	err := gw.do(ctx, "submit_order", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.SubmitOrder(ctx, sess, ticket)
		return callErr
	})
	return out, err
}

// CancelOrder 撤销委托。
func (gw *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	return gw.do(ctx, "cancel_order", func(ctx context.Context, sess broker.Session) error {
		return gw.client.CancelOrder(ctx, sess, orderID)
	})
}

// ReplaceOrder 替换委托。
func (gw *Gateway) ReplaceOrder(ctx context.Context, orderID string, ticket broker.OrderTicket) (broker.LiveOrder, error) {
	var out broker.LiveOrder
	err := gw.do(ctx, "replace_order", func(ctx context.Context, sess broker.Session) error {
		var callErr error
		out, callErr = gw.client.ReplaceOrder(ctx, sess, orderID, ticket)
		return callErr
	})
	return out, err
}
