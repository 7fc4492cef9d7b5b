// Package broker 定义券商客户端边界：核心各组件只依赖 Client 接口，
// 具体协议（认证、期权链、报价、委托）由外部实现承担。
package broker

import (
	"context"
	"time"
)

// Client 抽象券商操作。实现必须区分认证错误（ErrAuthentication）
// 与券商拒单错误（ErrOrderRejected）。
type Client interface {
	// Name 返回后端标识（如 "ccxt", "simulator"）。
	Name() string

	// Login 建立新的认证会话。
	Login(ctx context.Context) (Session, error)

	// RenewSession 续期既有会话；失败时应返回 ErrAuthentication 分类错误。
	RenewSession(ctx context.Context, session Session) (Session, error)

	// GetBalances 查询账户资金。
	GetBalances(ctx context.Context, session Session) (Balances, error)

	// GetPositions 查询全部持仓。
	GetPositions(ctx context.Context, session Session) ([]Position, error)

	// GetLiveOrders 查询全部在途委托。
	GetLiveOrders(ctx context.Context, session Session) ([]LiveOrder, error)

	// GetOptionChain 查询标的的期权链。
	GetOptionChain(ctx context.Context, session Session, underlying string) (OptionChain, error)

	// GetQuote 查询单合约的买一卖一报价。
	GetQuote(ctx context.Context, session Session, symbol string) (Quote, error)

	// GetMarketMetrics 查询标的的市场指标。
	GetMarketMetrics(ctx context.Context, session Session, symbols []string) ([]MarketMetrics, error)

	// GetTransactions 查询 since 之后的历史成交流水；since 为零值时范围由后端决定。
	GetTransactions(ctx context.Context, session Session, since time.Time) ([]Transaction, error)

	// SubmitOrder 提交委托。
	SubmitOrder(ctx context.Context, session Session, ticket OrderTicket) (LiveOrder, error)

	// CancelOrder 撤销在途委托。
	CancelOrder(ctx context.Context, session Session, orderID string) error

	// ReplaceOrder 以新的委托内容替换在途委托。
	ReplaceOrder(ctx context.Context, session Session, orderID string, ticket OrderTicket) (LiveOrder, error)
}
