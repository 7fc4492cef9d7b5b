package engine

import (
	"time"

	"tasty-agent/internal/broker"
)

// LegSpec 为调用方描述的单条腿。期权腿以标的代码加
// 到期日/行权价/方向描述，由引擎解析为具体合约。
type LegSpec struct {
	Symbol     string
	Kind       broker.InstrumentKind
	Action     broker.OrderAction
	Quantity   float64
	Strike     float64
	Expiration time.Time
	OptionType broker.OptionType
}

// OrderSpec 为一次下单请求。LimitPrice 为 nil 时按买卖中间价定价。
type OrderSpec struct {
	Legs        []LegSpec
	LimitPrice  *float64
	TimeInForce string
	DryRun      bool
}

// PlaceResult 为下单结果。DryRun 为 true 时 Order 为 nil，
// 其余字段即为预览内容。
type PlaceResult struct {
	DryRun   bool
	Legs     []broker.Leg
	Bid      float64
	Ask      float64
	Price    float64
	Warnings []string
	Order    *broker.LiveOrder
}

// CancelResult 为撤单结果。
type CancelResult struct {
	DryRun  bool
	OrderID string
	Status  broker.OrderStatus
}

// ModifyResult 为改单结果。DryRun 为 true 时 Order 为 nil。
type ModifyResult struct {
	DryRun   bool
	OrderID  string
	Ticket   broker.OrderTicket
	Warnings []string
	Order    *broker.LiveOrder
}
