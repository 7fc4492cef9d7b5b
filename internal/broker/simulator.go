package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Simulator 为内存实现的券商后端，提供完整的接口表面
// （含期权链与市场指标），用于沙盒运行与测试。
type Simulator struct {
	mu sync.Mutex

	accountID string
	lifetime  time.Duration

	balances     Balances
	position     map[string]Position
	orders       map[string]LiveOrder
	quotes       map[string]Quote
	chains       map[string]OptionChain
	metrics      map[string]MarketMetrics
	transactions []Transaction

	loginErr   error
	renewCount int
	loginCount int
}

// NewSimulator 创建模拟券商。
func NewSimulator(accountID string, lifetime time.Duration) *Simulator {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &Simulator{
		accountID: accountID,
		lifetime:  lifetime,
		balances: Balances{
			AccountID:             accountID,
			CashBalance:           100000,
			EquityBuyingPower:     100000,
			DerivativeBuyingPower: 100000,
			NetLiquidatingValue:   100000,
			MaintenanceExcess:     100000,
		},
		position: make(map[string]Position),
		orders:   make(map[string]LiveOrder),
		quotes:   make(map[string]Quote),
		chains:   make(map[string]OptionChain),
		metrics:  make(map[string]MarketMetrics),
	}
}

// Name 返回后端标识。
func (s *Simulator) Name() string {
	return "simulator"
}

// SetBalances 覆盖账户资金。
func (s *Simulator) SetBalances(b Balances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.AccountID = s.accountID
	s.balances = b
}

// SetPosition 设置持仓。
func (s *Simulator) SetPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position[p.Symbol] = p
}

// SetQuote 设置报价。
func (s *Simulator) SetQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Symbol] = q
}

// SetChain 设置期权链。
func (s *Simulator) SetChain(chain OptionChain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[chain.Underlying] = chain
}

// SetMetrics 设置市场指标。
func (s *Simulator) SetMetrics(m MarketMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.Symbol] = m
}

// SetLoginError 注入登录/续期失败。
func (s *Simulator) SetLoginError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginErr = err
}

// SetOrderStatus 直接调整在途委托状态，模拟券商侧的成交/拒绝。
func (s *Simulator) SetOrderStatus(orderID string, status OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("simulator: 委托 %s 不存在", orderID)
	}
	if !CanTransition(order.Status, status) {
		return fmt.Errorf("simulator: 非法状态迁移 %s → %s", order.Status, status)
	}
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = order

	// 成交即生成流水，逐腿一条。
	if status == StatusFilled {
		for _, leg := range order.Legs {
			s.transactions = append(s.transactions, Transaction{
				ID:         ulid.Make().String(),
				OrderID:    order.ID,
				Symbol:     leg.Symbol,
				Action:     leg.Action,
				Quantity:   leg.Quantity,
				Price:      order.Price,
				ExecutedAt: order.UpdatedAt,
			})
		}
	}
	return nil
}

// RenewCount 返回续期次数，供测试断言。
func (s *Simulator) RenewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewCount
}

// LoginCount 返回登录次数，供测试断言。
func (s *Simulator) LoginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCount
}

// Login 签发新会话。
func (s *Simulator) Login(_ context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginCount++
	if s.loginErr != nil {
		return Session{}, s.loginErr
	}
	return Session{
		Token:     ulid.Make().String(),
		AccountID: s.accountID,
		ExpiresAt: time.Now().UTC().Add(s.lifetime),
	}, nil
}

// RenewSession 签发替换会话。
func (s *Simulator) RenewSession(_ context.Context, _ Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewCount++
	if s.loginErr != nil {
		return Session{}, s.loginErr
	}
	return Session{
		Token:     ulid.Make().String(),
		AccountID: s.accountID,
		ExpiresAt: time.Now().UTC().Add(s.lifetime),
	}, nil
}

// GetBalances 返回账户资金。
func (s *Simulator) GetBalances(_ context.Context, _ Session) (Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balances := s.balances
	balances.Timestamp = time.Now().UTC()
	return balances, nil
}

// GetPositions 返回全部持仓。
func (s *Simulator) GetPositions(_ context.Context, _ Session) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := make([]Position, 0, len(s.position))
	for _, p := range s.position {
		positions = append(positions, p)
	}
	return positions, nil
}

// GetLiveOrders 返回未到终态的委托。
func (s *Simulator) GetLiveOrders(_ context.Context, _ Session) ([]LiveOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := make([]LiveOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// GetOptionChain 返回预设期权链。
func (s *Simulator) GetOptionChain(_ context.Context, _ Session, underlying string) (OptionChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[underlying]
	if !ok {
		return OptionChain{}, &Error{Kind: ErrInstrumentResolution, Message: "标的不存在期权链", Symbol: underlying}
	}
	return chain, nil
}

// GetQuote 返回预设报价。
func (s *Simulator) GetQuote(_ context.Context, _ Session, symbol string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, &Error{Kind: ErrInstrumentResolution, Message: "无该合约报价", Symbol: symbol}
	}
	quote.Timestamp = time.Now().UTC()
	return quote, nil
}

// GetMarketMetrics 返回预设市场指标。
func (s *Simulator) GetMarketMetrics(_ context.Context, _ Session, symbols []string) ([]MarketMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]MarketMetrics, 0, len(symbols))
	for _, sym := range symbols {
		if m, ok := s.metrics[sym]; ok {
			result = append(result, m)
		}
	}
	return result, nil
}

// GetTransactions 返回 since 之后的成交流水。
func (s *Simulator) GetTransactions(_ context.Context, _ Session, since time.Time) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if !since.IsZero() && tx.ExecutedAt.Before(since) {
			continue
		}
		result = append(result, tx)
	}
	return result, nil
}

// SubmitOrder 接受委托并置为 pending。
func (s *Simulator) SubmitOrder(_ context.Context, _ Session, ticket OrderTicket) (LiveOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ticket.Legs) == 0 {
		return LiveOrder{}, &Error{Kind: ErrOrderRejected, Message: "委托不含任何腿"}
	}
	for _, leg := range ticket.Legs {
		if leg.Quantity <= 0 {
			return LiveOrder{}, &Error{Kind: ErrOrderRejected, Message: "委托数量必须为正", Symbol: leg.Symbol}
		}
	}

	order := LiveOrder{
		ID:        ulid.Make().String(),
		Legs:      append([]Leg(nil), ticket.Legs...),
		Status:    StatusPending,
		Price:     ticket.Price,
		UpdatedAt: time.Now().UTC(),
	}
	s.orders[order.ID] = order
	return order, nil
}

// CancelOrder 撤销在途委托。
func (s *Simulator) CancelOrder(_ context.Context, _ Session, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return &Error{Kind: ErrOrderNotEditable, Message: "委托不存在", OrderID: orderID}
	}
	if !order.Status.Editable() {
		return &Error{Kind: ErrOrderNotEditable, Message: "委托已处于终态", OrderID: orderID}
	}
	order.Status = StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = order
	return nil
}

// ReplaceOrder 以新委托内容替换在途委托，保留原委托编号。
func (s *Simulator) ReplaceOrder(_ context.Context, _ Session, orderID string, ticket OrderTicket) (LiveOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return LiveOrder{}, &Error{Kind: ErrOrderNotEditable, Message: "委托不存在", OrderID: orderID}
	}
	if !order.Status.Editable() {
		return LiveOrder{}, &Error{Kind: ErrOrderNotEditable, Message: "委托已处于终态", OrderID: orderID}
	}

	order.Legs = append([]Leg(nil), ticket.Legs...)
	order.Price = ticket.Price
	order.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = order
	return order, nil
}
