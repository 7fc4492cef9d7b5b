package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"tasty-agent/internal/config"
)

// CCXTClient 将 ccxt 交易所适配为 Client。该后端面向现货/永续合约类标的，
// 不提供期权链与市场指标，相应操作返回 unsupported_operation。
type CCXTClient struct {
	cfg      config.BrokerConfig
	lifetime time.Duration
	logger   *zap.Logger
	exchange *ccxt.Hyperliquid

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTClient 构造 ccxt 后端。
func NewCCXTClient(cfg config.BrokerConfig, lifetime time.Duration, logger *zap.Logger) (*CCXTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}

	if !strings.EqualFold(cfg.Name, "hyperliquid") {
		return nil, fmt.Errorf("不支持的券商后端: %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewHyperliquid(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXTClient{
		cfg:      cfg,
		lifetime: lifetime,
		logger:   logger,
		exchange: ex,
	}, nil
}

// Name 返回后端标识。
func (c *CCXTClient) Name() string {
	return "ccxt"
}

// Login 通过一次余额探测确认凭证有效，并签发带过期时间的会话句柄。
func (c *CCXTClient) Login(ctx context.Context) (Session, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Session{}, c.classify(err)
	}
	if _, err := c.exchange.FetchBalance(); err != nil {
		return Session{}, &Error{Kind: ErrAuthentication, Message: "券商登录失败", Err: err}
	}

	session := Session{
		Token:     ulid.Make().String(),
		AccountID: c.cfg.AccountID,
		ExpiresAt: time.Now().UTC().Add(c.lifetime),
	}
	c.logger.Info("券商会话已建立",
		zap.String("backend", c.Name()),
		zap.Time("expires_at", session.ExpiresAt),
	)
	return session, nil
}

// RenewSession 重新探测凭证并签发新的会话句柄。
func (c *CCXTClient) RenewSession(ctx context.Context, _ Session) (Session, error) {
	return c.Login(ctx)
}

// GetBalances 查询账户资金。
func (c *CCXTClient) GetBalances(ctx context.Context, session Session) (Balances, error) {
	if err := ctx.Err(); err != nil {
		return Balances{}, err
	}

	raw, err := c.exchange.FetchBalance()
	if err != nil {
		return Balances{}, c.classify(err)
	}

	balances := Balances{
		AccountID: session.AccountID,
		Timestamp: time.Now().UTC(),
	}
	if raw.Total != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if total, ok := raw.Total[code]; ok && total != nil {
				balances.NetLiquidatingValue = *total
				break
			}
		}
	}
	if raw.Free != nil {
		for _, code := range []string{"USDC", "USD", "USDT"} {
			if free, ok := raw.Free[code]; ok && free != nil {
				balances.CashBalance = *free
				balances.EquityBuyingPower = *free
				balances.DerivativeBuyingPower = *free
				break
			}
		}
	}
	if balances.NetLiquidatingValue == 0 {
		balances.NetLiquidatingValue = balances.CashBalance
	}
	balances.MaintenanceExcess = balances.CashBalance

	return balances, nil
}

// GetPositions 查询持仓。
func (c *CCXTClient) GetPositions(ctx context.Context, _ Session) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := c.exchange.FetchPositions()
	if err != nil {
		return nil, c.classify(err)
	}

	now := time.Now().UTC()
	positions := make([]Position, 0, len(raw))
	for _, pos := range raw {
		symbol := derefString(pos.Symbol)
		size := derefFloat(pos.Contracts)
		if symbol == "" || size == 0 {
			continue
		}
		if strings.EqualFold(derefString(pos.Side), "short") {
			size = -size
		}
		positions = append(positions, Position{
			Symbol:       symbol,
			Kind:         KindEquity,
			Quantity:     size,
			AveragePrice: derefFloat(pos.EntryPrice),
			MarkPrice:    derefFloat(pos.MarkPrice),
			Multiplier:   1,
			Timestamp:    now,
		})
	}

	return positions, nil
}

// GetLiveOrders 查询在途委托。
func (c *CCXTClient) GetLiveOrders(ctx context.Context, _ Session) ([]LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := c.exchange.FetchOpenOrders()
	if err != nil {
		return nil, c.classify(err)
	}

	orders := make([]LiveOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, convertOrder(o))
	}
	return orders, nil
}

// GetOptionChain 在该后端不可用。
func (c *CCXTClient) GetOptionChain(_ context.Context, _ Session, underlying string) (OptionChain, error) {
	return OptionChain{}, &Error{
		Kind:    ErrUnsupportedOperation,
		Message: "该券商后端不提供期权链",
		Symbol:  underlying,
	}
}

// GetQuote 从订单簿顶档取得买一卖一。
func (c *CCXTClient) GetQuote(ctx context.Context, _ Session, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Quote{}, c.classify(err)
	}

	book, err := c.exchange.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(1))
	if err != nil {
		return Quote{}, c.classify(err)
	}

	quote := Quote{Symbol: symbol, Timestamp: time.Now().UTC()}
	if len(book.Bids) > 0 && len(book.Bids[0]) >= 2 {
		quote.Bid = book.Bids[0][0]
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) >= 2 {
		quote.Ask = book.Asks[0][0]
	}
	if book.Timestamp != nil {
		quote.Timestamp = time.UnixMilli(*book.Timestamp).UTC()
	}
	if quote.Bid <= 0 && quote.Ask <= 0 {
		return Quote{}, &Error{Kind: ErrTransient, Message: "订单簿为空，无法取得报价", Symbol: symbol}
	}

	return quote, nil
}

// GetMarketMetrics 在该后端不可用。
func (c *CCXTClient) GetMarketMetrics(_ context.Context, _ Session, _ []string) ([]MarketMetrics, error) {
	return nil, &Error{Kind: ErrUnsupportedOperation, Message: "该券商后端不提供市场指标"}
}

// GetTransactions 查询账户的历史成交流水。
func (c *CCXTClient) GetTransactions(ctx context.Context, _ Session, since time.Time) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, c.classify(err)
	}

	var opts []ccxt.FetchMyTradesOptions
	if !since.IsZero() {
		opts = append(opts, ccxt.WithFetchMyTradesSince(since.UnixMilli()))
	}
	raw, err := c.exchange.FetchMyTrades(opts...)
	if err != nil {
		return nil, c.classify(err)
	}

	transactions := make([]Transaction, 0, len(raw))
	for _, trade := range raw {
		transactions = append(transactions, convertTrade(trade))
	}
	return transactions, nil
}

// SubmitOrder 提交限价委托。该后端仅支持单腿委托。
func (c *CCXTClient) SubmitOrder(ctx context.Context, _ Session, ticket OrderTicket) (LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return LiveOrder{}, err
	}
	if len(ticket.Legs) != 1 {
		return LiveOrder{}, &Error{Kind: ErrUnsupportedOperation, Message: "该券商后端不支持多腿委托"}
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return LiveOrder{}, c.classify(err)
	}

	leg := ticket.Legs[0]
	side := "sell"
	if leg.Action.IsBuy() {
		side = "buy"
	}
	params := map[string]interface{}{}
	if leg.Action == SellToClose || leg.Action == BuyToClose {
		params["reduceOnly"] = true
	}
	if ticket.TimeInForce != "" {
		params["timeInForce"] = strings.ToLower(ticket.TimeInForce)
	}

	raw, err := c.exchange.CreateLimitOrder(leg.Symbol, side, leg.Quantity, ticket.Price,
		ccxt.WithCreateLimitOrderParams(params))
	if err != nil {
		return LiveOrder{}, c.classify(err)
	}

	order := convertOrder(raw)
	if order.ID == "" {
		return LiveOrder{}, &Error{Kind: ErrOrderRejected, Message: "券商未返回委托编号", Symbol: leg.Symbol}
	}
	if len(order.Legs) == 0 {
		order.Legs = ticket.Legs
	} else {
		order.Legs[0].Action = leg.Action
	}
	if order.Price == 0 {
		order.Price = ticket.Price
	}
	return order, nil
}

// CancelOrder 撤销在途委托。ccxt 撤单需要标的符号，先在在途委托中定位。
func (c *CCXTClient) CancelOrder(ctx context.Context, session Session, orderID string) error {
	target, err := c.findOpenOrder(ctx, session, orderID)
	if err != nil {
		return err
	}

	if _, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(target.Legs[0].Symbol)); err != nil {
		return c.classify(err)
	}
	return nil
}

// ReplaceOrder 以撤销加重发的方式替换在途委托。
func (c *CCXTClient) ReplaceOrder(ctx context.Context, session Session, orderID string, ticket OrderTicket) (LiveOrder, error) {
	if err := c.CancelOrder(ctx, session, orderID); err != nil {
		return LiveOrder{}, err
	}
	return c.SubmitOrder(ctx, session, ticket)
}

func (c *CCXTClient) findOpenOrder(ctx context.Context, session Session, orderID string) (LiveOrder, error) {
	orders, err := c.GetLiveOrders(ctx, session)
	if err != nil {
		return LiveOrder{}, err
	}
	for _, o := range orders {
		if o.ID == orderID && len(o.Legs) > 0 {
			return o, nil
		}
	}
	return LiveOrder{}, &Error{Kind: ErrOrderNotEditable, Message: "在途委托中未找到该委托", OrderID: orderID}
}

func (c *CCXTClient) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := c.exchange.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("backend", c.Name()))
	return nil
}

// classify 将 ccxt 错误归入本地错误分类。
func (c *CCXTClient) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var structured *Error
	if errors.As(err, &structured) {
		return err
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.AuthenticationErrorErrType:
			return &Error{Kind: ErrAuthentication, Message: "券商认证失败", Err: err}
		case ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
			return &Error{Kind: ErrRateLimit, Message: "触发券商限速", Err: err}
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return &Error{Kind: ErrTransient, Message: "券商暂时不可用", Err: err}
		case ccxt.InsufficientFundsErrType, ccxt.InvalidOrderErrType:
			return &Error{Kind: ErrOrderRejected, Message: "券商拒绝委托", Err: err}
		default:
			return fmt.Errorf("券商调用失败: %w", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: ErrTransient, Message: "网络错误", Err: err}
	}

	return err
}

func convertOrder(o ccxt.Order) LiveOrder {
	order := LiveOrder{
		ID:        derefString(o.Id),
		Status:    convertStatus(derefString(o.Status)),
		Price:     derefFloat(o.Price),
		UpdatedAt: time.Now().UTC(),
	}
	if o.Timestamp != nil {
		order.UpdatedAt = time.UnixMilli(*o.Timestamp).UTC()
	}

	symbol := derefString(o.Symbol)
	if symbol != "" {
		action := SellToClose
		if strings.EqualFold(derefString(o.Side), "buy") {
			action = BuyToOpen
		}
		order.Legs = []Leg{{
			Symbol:   symbol,
			Action:   action,
			Quantity: derefFloat(o.Amount),
		}}
	}
	return order
}

func convertTrade(t ccxt.Trade) Transaction {
	tx := Transaction{
		ID:       derefString(t.Id),
		OrderID:  derefString(t.Order),
		Symbol:   derefString(t.Symbol),
		Quantity: derefFloat(t.Amount),
		Price:    derefFloat(t.Price),
		Fee:      derefFloat(t.Fee.Cost),
	}
	if strings.EqualFold(derefString(t.Side), "buy") {
		tx.Action = BuyToOpen
	} else {
		tx.Action = SellToClose
	}
	if t.Timestamp != nil {
		tx.ExecutedAt = time.UnixMilli(*t.Timestamp).UTC()
	}
	return tx
}

func convertStatus(status string) OrderStatus {
	switch strings.ToLower(status) {
	case "open":
		return StatusWorking
	case "closed":
		return StatusFilled
	case "canceled", "cancelled":
		return StatusCancelled
	case "rejected":
		return StatusRejected
	default:
		return StatusPending
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
