package broker

import "time"

// Session 为券商认证会话句柄。由 session.Guardian 独占持有，
// 其他组件仅在单次调用期间借用。
type Session struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
}

// ExpiresWithin 判断会话是否在 margin 时间内过期。
func (s Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return s.ExpiresAt.Sub(now) < margin
}

// InstrumentKind 表示标的类型。
type InstrumentKind string

const (
	KindEquity InstrumentKind = "equity"
	KindOption InstrumentKind = "option"
)

// OptionType 表示期权方向。
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Instrument 为已解析的具体合约。
type Instrument struct {
	Symbol     string
	Underlying string
	Kind       InstrumentKind
	Strike     float64
	Expiration time.Time
	OptionType OptionType
	Multiplier float64
}

// Quote 为单合约的买一卖一报价。
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Balances 描述账户资金状况。
type Balances struct {
	AccountID             string    `json:"account_id"`
	CashBalance           float64   `json:"cash_balance"`
	EquityBuyingPower     float64   `json:"equity_buying_power"`
	DerivativeBuyingPower float64   `json:"derivative_buying_power"`
	NetLiquidatingValue   float64   `json:"net_liquidating_value"`
	MaintenanceExcess     float64   `json:"maintenance_excess"`
	Timestamp             time.Time `json:"timestamp"`
}

// Position 表示单个持仓。
type Position struct {
	Symbol       string         `json:"symbol"`
	Kind         InstrumentKind `json:"kind"`
	Quantity     float64        `json:"quantity"`
	AveragePrice float64        `json:"average_price"`
	MarkPrice    float64        `json:"mark_price"`
	Multiplier   float64        `json:"multiplier"`
	Timestamp    time.Time      `json:"timestamp"`
}

// OrderAction 表示委托动作。
type OrderAction string

const (
	BuyToOpen   OrderAction = "buy_to_open"
	SellToClose OrderAction = "sell_to_close"
	SellToOpen  OrderAction = "sell_to_open"
	BuyToClose  OrderAction = "buy_to_close"
)

// IsBuy 判断动作是否为买入方向。
func (a OrderAction) IsBuy() bool {
	return a == BuyToOpen || a == BuyToClose
}

// OrderStatus 表示委托状态。
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusWorking   OrderStatus = "working"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// Terminal 判断状态是否为终态。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Editable 判断该状态下的委托是否仍可修改或撤销。
func (s OrderStatus) Editable() bool {
	return s == StatusPending || s == StatusWorking
}

// CanTransition 校验委托状态机：pending → working → {filled|cancelled|rejected}。
// working 不允许回退到 pending。
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusWorking || to.Terminal()
	case StatusWorking:
		return to.Terminal()
	default:
		return false
	}
}

// Leg 表示委托中的单条腿。
type Leg struct {
	Symbol   string      `json:"symbol"`
	Action   OrderAction `json:"action"`
	Quantity float64     `json:"quantity"`
}

// OrderTicket 为提交给券商的完整委托。
type OrderTicket struct {
	Legs        []Leg   `json:"legs"`
	Price       float64 `json:"price"`
	TimeInForce string  `json:"time_in_force,omitempty"`
}

// LiveOrder 表示券商侧的在途委托。
type LiveOrder struct {
	ID        string      `json:"id"`
	Legs      []Leg       `json:"legs"`
	Status    OrderStatus `json:"status"`
	Price     float64     `json:"price"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ChainStrike 为期权链中的单个行权价档位。
type ChainStrike struct {
	Strike     float64 `json:"strike"`
	CallSymbol string  `json:"call_symbol"`
	PutSymbol  string  `json:"put_symbol"`
}

// ChainExpiration 为期权链中的单个到期日。
type ChainExpiration struct {
	Expiration time.Time     `json:"expiration"`
	Strikes    []ChainStrike `json:"strikes"`
}

// OptionChain 为标的的完整期权链。
type OptionChain struct {
	Underlying  string            `json:"underlying"`
	Expirations []ChainExpiration `json:"expirations"`
}

// MarketMetrics 为标的的市场指标快照。
type MarketMetrics struct {
	Symbol          string  `json:"symbol"`
	IVRank          float64 `json:"iv_rank"`
	IVPercentile    float64 `json:"iv_percentile"`
	Beta            float64 `json:"beta"`
	LiquidityRating string  `json:"liquidity_rating"`
	Lendability     string  `json:"lendability,omitempty"`
	NextEarnings    string  `json:"next_earnings,omitempty"`
}

// Transaction 为账户的历史成交流水记录。
type Transaction struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"order_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Action     OrderAction `json:"action"`
	Quantity   float64     `json:"quantity"`
	Price      float64     `json:"price"`
	Fee        float64     `json:"fee"`
	ExecutedAt time.Time   `json:"executed_at"`
}
