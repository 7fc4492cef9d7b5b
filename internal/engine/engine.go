// Package engine 实现下单引擎：合约解析、实时定价、市场时段校验、
// 资金约束与提交/撤销/修改的统一入口。所有写路径均支持 dry-run 预览。
package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/cache"
	"tasty-agent/internal/config"
)

// marketGateway 为引擎所需的网关调用面。
type marketGateway interface {
	GetQuote(ctx context.Context, symbol string) (broker.Quote, error)
	GetOptionChain(ctx context.Context, underlying string) (broker.OptionChain, error)
	GetLiveOrders(ctx context.Context) ([]broker.LiveOrder, error)
	SubmitOrder(ctx context.Context, ticket broker.OrderTicket) (broker.LiveOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	ReplaceOrder(ctx context.Context, orderID string, ticket broker.OrderTicket) (broker.LiveOrder, error)
}

// accountCache 为引擎所需的账户状态缓存面。
type accountCache interface {
	Get(ctx context.Context, kind cache.Kind) (cache.Snapshot, error)
	Invalidate(kinds ...cache.Kind)
}

// marketClock 判断当前是否处于交易时段。
type marketClock interface {
	IsOpen(t time.Time) bool
}

// auditor 记录引擎的写操作事件，尽力而为，不阻塞交易。
type auditor interface {
	Record(ctx context.Context, category, action, refID, detail string)
}

// resolvedLeg 为解析后的腿，附带合约乘数。
type resolvedLeg struct {
	leg        broker.Leg
	kind       broker.InstrumentKind
	multiplier float64
}

const strikeEpsilon = 1e-6

// Engine 为下单引擎。
type Engine struct {
	gateway marketGateway
	cache   accountCache
	clock   marketClock
	audit   auditor
	logger  *zap.Logger

	maxPositionPct float64

	now func() time.Time
}

// NewEngine 创建下单引擎。audit 可以为 nil。
func NewEngine(gateway marketGateway, accounts accountCache, clock marketClock, audit auditor, cfg config.EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	pct := cfg.MaxPositionPct
	if pct <= 0 || pct > 1 {
		pct = 0.40
	}
	return &Engine{
		gateway:        gateway,
		cache:          accounts,
		clock:          clock,
		audit:          audit,
		logger:         logger,
		maxPositionPct: pct,
		now:            time.Now,
	}
}

// Place 执行一次下单：解析合约、取实时报价定价、做市场时段与
// 资金校验，dry-run 返回预览，否则提交委托并使相关缓存失效。
func (e *Engine) Place(ctx context.Context, spec OrderSpec) (*PlaceResult, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	resolved, err := e.resolveLegs(ctx, spec.Legs)
	if err != nil {
		return nil, err
	}

	quotes, err := e.fetchQuotes(ctx, resolved)
	if err != nil {
		return nil, err
	}

	bid, ask := aggregateQuotes(resolved, quotes)

	var warnings []string
	price := (bid + ask) / 2
	if spec.LimitPrice != nil {
		price = *spec.LimitPrice
		if price < bid {
			warnings = append(warnings, fmt.Sprintf("限价 %.2f 低于买一 %.2f，已上调至买一", price, bid))
			price = bid
		} else if price > ask {
			warnings = append(warnings, fmt.Sprintf("限价 %.2f 高于卖一 %.2f，已下调至卖一", price, ask))
			price = ask
		}
	}

	resolved, warnings, err = e.applyBuyingPower(ctx, resolved, price, warnings)
	if err != nil {
		return nil, err
	}

	if !spec.DryRun && !e.clock.IsOpen(e.now()) {
		return nil, broker.NewError(broker.ErrMarketClosed, "市场休市，无法提交委托")
	}

	legs := make([]broker.Leg, len(resolved))
	for i, r := range resolved {
		legs[i] = r.leg
	}
	result := &PlaceResult{
		DryRun:   spec.DryRun,
		Legs:     legs,
		Bid:      bid,
		Ask:      ask,
		Price:    price,
		Warnings: warnings,
	}
	if spec.DryRun {
		return result, nil
	}

	ticket := broker.OrderTicket{Legs: legs, Price: price, TimeInForce: spec.TimeInForce}
	order, err := e.gateway.SubmitOrder(ctx, ticket)
	if err != nil {
		e.record(ctx, "order", "submit_failed", "", err.Error())
		return nil, err
	}
	e.cache.Invalidate(cache.KindLiveOrders, cache.KindPositions, cache.KindBalances)
	e.record(ctx, "order", "submitted", order.ID, describeLegs(legs))
	e.logger.Info("委托已提交",
		zap.String("order_id", order.ID),
		zap.Float64("price", price),
		zap.Int("legs", len(legs)),
	)

	result.Order = &order
	return result, nil
}

// Cancel 撤销在途委托。dry-run 仅校验委托可撤，不发起写调用。
func (e *Engine) Cancel(ctx context.Context, orderID string, dryRun bool) (*CancelResult, error) {
	order, err := e.findLiveOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Editable() {
		return nil, &broker.Error{
			Kind:    broker.ErrOrderNotEditable,
			Message: fmt.Sprintf("委托处于 %s 状态，无法撤销", order.Status),
			OrderID: orderID,
		}
	}
	if !dryRun && !e.clock.IsOpen(e.now()) {
		return nil, broker.NewError(broker.ErrMarketClosed, "市场休市，无法撤销委托")
	}

	result := &CancelResult{DryRun: dryRun, OrderID: orderID, Status: order.Status}
	if dryRun {
		return result, nil
	}

	if err := e.gateway.CancelOrder(ctx, orderID); err != nil {
		e.record(ctx, "order", "cancel_failed", orderID, err.Error())
		return nil, err
	}
	e.cache.Invalidate(cache.KindLiveOrders, cache.KindPositions, cache.KindBalances)
	e.record(ctx, "order", "cancelled", orderID, "")
	e.logger.Info("委托已撤销", zap.String("order_id", orderID))
	return result, nil
}

// Modify 修改在途委托的数量或价格。仅支持单腿委托；新价格
// 与下单时一样收敛到实时买卖区间内。
func (e *Engine) Modify(ctx context.Context, orderID string, newQuantity, newPrice *float64, dryRun bool) (*ModifyResult, error) {
	if newQuantity == nil && newPrice == nil {
		return nil, broker.NewError(broker.ErrInvalidOrderSpec, "改单至少需要指定新数量或新价格之一")
	}
	if newQuantity != nil && *newQuantity <= 0 {
		return nil, broker.NewError(broker.ErrInvalidOrderSpec, "新数量必须大于零")
	}

	order, err := e.findLiveOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(order.Legs) != 1 {
		return nil, &broker.Error{
			Kind:    broker.ErrUnsupportedOperation,
			Message: fmt.Sprintf("仅支持修改单腿委托，该委托有 %d 条腿", len(order.Legs)),
			OrderID: orderID,
		}
	}
	if !order.Status.Editable() {
		return nil, &broker.Error{
			Kind:    broker.ErrOrderNotEditable,
			Message: fmt.Sprintf("委托处于 %s 状态，无法修改", order.Status),
			OrderID: orderID,
		}
	}

	leg := order.Legs[0]
	if newQuantity != nil {
		leg.Quantity = *newQuantity
	}

	var warnings []string
	price := order.Price
	if newPrice != nil {
		quote, err := e.gateway.GetQuote(ctx, leg.Symbol)
		if err != nil {
			return nil, err
		}
		price = *newPrice
		if price < quote.Bid {
			warnings = append(warnings, fmt.Sprintf("新限价 %.2f 低于买一 %.2f，已上调至买一", price, quote.Bid))
			price = quote.Bid
		} else if price > quote.Ask {
			warnings = append(warnings, fmt.Sprintf("新限价 %.2f 高于卖一 %.2f，已下调至卖一", price, quote.Ask))
			price = quote.Ask
		}
	}

	if !dryRun && !e.clock.IsOpen(e.now()) {
		return nil, broker.NewError(broker.ErrMarketClosed, "市场休市，无法修改委托")
	}

	ticket := broker.OrderTicket{Legs: []broker.Leg{leg}, Price: price}
	result := &ModifyResult{DryRun: dryRun, OrderID: orderID, Ticket: ticket, Warnings: warnings}
	if dryRun {
		return result, nil
	}

	replaced, err := e.gateway.ReplaceOrder(ctx, orderID, ticket)
	if err != nil {
		e.record(ctx, "order", "modify_failed", orderID, err.Error())
		return nil, err
	}
	e.cache.Invalidate(cache.KindLiveOrders, cache.KindPositions, cache.KindBalances)
	e.record(ctx, "order", "modified", replaced.ID, describeLegs(ticket.Legs))
	e.logger.Info("委托已修改",
		zap.String("order_id", orderID),
		zap.String("new_order_id", replaced.ID),
		zap.Float64("price", price),
	)

	result.Order = &replaced
	return result, nil
}

func validateSpec(spec OrderSpec) error {
	if len(spec.Legs) == 0 {
		return broker.NewError(broker.ErrInvalidOrderSpec, "委托至少需要一条腿")
	}
	for i, leg := range spec.Legs {
		if leg.Symbol == "" {
			return broker.NewError(broker.ErrInvalidOrderSpec, "第 %d 条腿缺少合约代码", i+1)
		}
		if leg.Quantity <= 0 {
			return broker.NewError(broker.ErrInvalidOrderSpec, "第 %d 条腿数量必须大于零", i+1)
		}
		switch leg.Action {
		case broker.BuyToOpen, broker.SellToClose, broker.SellToOpen, broker.BuyToClose:
		default:
			return broker.NewError(broker.ErrInvalidOrderSpec, "第 %d 条腿动作 %q 无效", i+1, leg.Action)
		}
		switch leg.Kind {
		case broker.KindEquity:
		case broker.KindOption:
			if leg.Strike <= 0 {
				return broker.NewError(broker.ErrInvalidOrderSpec, "第 %d 条腿缺少行权价", i+1)
			}
			if leg.Expiration.IsZero() {
				return broker.NewError(broker.ErrInvalidOrderSpec, "第 %d 条腿缺少到期日", i+1)
			}
			if leg.OptionType != broker.OptionCall && leg.OptionType != broker.OptionPut {
				return broker.NewError(broker.ErrInvalidOrderSpec, "第 %d 条腿期权方向 %q 无效", i+1, leg.OptionType)
			}
		default:
			return broker.NewError(broker.ErrInvalidOrderSpec, "第 %d 条腿类型 %q 无效", i+1, leg.Kind)
		}
	}
	if spec.LimitPrice != nil && *spec.LimitPrice <= 0 {
		return broker.NewError(broker.ErrInvalidOrderSpec, "限价必须大于零")
	}
	return nil
}

// resolveLegs 将腿描述解析为具体合约。期权腿在期权链中按
// 到期日与行权价查找；同一标的的链在单次调用内只取一次。
func (e *Engine) resolveLegs(ctx context.Context, specs []LegSpec) ([]resolvedLeg, error) {
	chains := make(map[string]broker.OptionChain)
	resolved := make([]resolvedLeg, 0, len(specs))
	for _, spec := range specs {
		symbol := strings.ToUpper(spec.Symbol)
		if spec.Kind == broker.KindEquity {
			resolved = append(resolved, resolvedLeg{
				leg:        broker.Leg{Symbol: symbol, Action: spec.Action, Quantity: spec.Quantity},
				kind:       broker.KindEquity,
				multiplier: 1,
			})
			continue
		}

		chain, ok := chains[symbol]
		if !ok {
			var err error
			chain, err = e.gateway.GetOptionChain(ctx, symbol)
			if err != nil {
				return nil, err
			}
			chains[symbol] = chain
		}

		contract, err := lookupContract(chain, spec)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, resolvedLeg{
			leg:        broker.Leg{Symbol: contract, Action: spec.Action, Quantity: spec.Quantity},
			kind:       broker.KindOption,
			multiplier: 100,
		})
	}
	return resolved, nil
}

func lookupContract(chain broker.OptionChain, spec LegSpec) (string, error) {
	wantY, wantM, wantD := spec.Expiration.Date()
	for _, exp := range chain.Expirations {
		y, m, d := exp.Expiration.Date()
		if y != wantY || m != wantM || d != wantD {
			continue
		}
		for _, strike := range exp.Strikes {
			if math.Abs(strike.Strike-spec.Strike) > strikeEpsilon {
				continue
			}
			symbol := strike.CallSymbol
			if spec.OptionType == broker.OptionPut {
				symbol = strike.PutSymbol
			}
			if symbol == "" {
				break
			}
			return symbol, nil
		}
		return "", &broker.Error{
			Kind:    broker.ErrInstrumentResolution,
			Message: fmt.Sprintf("期权链中不存在行权价 %.2f 的 %s 合约", spec.Strike, spec.OptionType),
			Symbol:  chain.Underlying,
		}
	}
	return "", &broker.Error{
		Kind:    broker.ErrInstrumentResolution,
		Message: fmt.Sprintf("期权链中不存在到期日 %s", spec.Expiration.Format("2006-01-02")),
		Symbol:  chain.Underlying,
	}
}

// fetchQuotes 并行获取各腿的实时报价。
func (e *Engine) fetchQuotes(ctx context.Context, legs []resolvedLeg) (map[string]broker.Quote, error) {
	quotes := make([]broker.Quote, len(legs))
	group, ctx := errgroup.WithContext(ctx)
	for i, r := range legs {
		group.Go(func() error {
			quote, err := e.gateway.GetQuote(ctx, r.leg.Symbol)
			if err != nil {
				return err
			}
			quotes[i] = quote
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	bySymbol := make(map[string]broker.Quote, len(quotes))
	for _, quote := range quotes {
		bySymbol[quote.Symbol] = quote
	}
	return bySymbol, nil
}

// aggregateQuotes 将各腿报价按方向汇总为整单买卖区间：
// 买入腿取正、卖出腿取负，得到净支出的上下界。
func aggregateQuotes(legs []resolvedLeg, quotes map[string]broker.Quote) (bid, ask float64) {
	for _, r := range legs {
		quote := quotes[r.leg.Symbol]
		if r.leg.Action.IsBuy() {
			bid += quote.Bid
			ask += quote.Ask
		} else {
			bid -= quote.Ask
			ask -= quote.Bid
		}
	}
	return bid, ask
}

// applyBuyingPower 对净支出的买入委托做资金约束：成本上限为
// min(购买力, maxPositionPct × 净清算价值)，超限则等比缩减数量，
// 缩减到零则拒绝。要求各腿同数量，否则不做缩减。
func (e *Engine) applyBuyingPower(ctx context.Context, legs []resolvedLeg, price float64, warnings []string) ([]resolvedLeg, []string, error) {
	hasBuy := false
	hasOption := false
	sameQuantity := true
	for _, r := range legs {
		if r.leg.Action.IsBuy() {
			hasBuy = true
		}
		if r.kind == broker.KindOption {
			hasOption = true
		}
		if r.leg.Quantity != legs[0].leg.Quantity {
			sameQuantity = false
		}
	}
	if price <= 0 || !hasBuy || !sameQuantity {
		return legs, warnings, nil
	}

	snapshot, err := e.cache.Get(ctx, cache.KindBalances)
	if err != nil {
		return nil, nil, err
	}
	if snapshot.Stale {
		warnings = append(warnings, snapshot.Warning)
	}

	buyingPower := snapshot.Balances.EquityBuyingPower
	if hasOption {
		buyingPower = snapshot.Balances.DerivativeBuyingPower
	}
	allowed := math.Min(buyingPower, e.maxPositionPct*snapshot.Balances.NetLiquidatingValue)

	multiplier := 1.0
	if hasOption {
		multiplier = 100
	}
	unitCost := price * multiplier
	quantity := legs[0].leg.Quantity
	if unitCost*quantity <= allowed {
		return legs, warnings, nil
	}

	maxUnits := math.Floor(allowed / unitCost)
	if maxUnits < 1 {
		return nil, nil, broker.NewError(broker.ErrInvalidOrderSpec,
			"可用资金 %.2f 不足以买入任何数量（单位成本 %.2f）", allowed, unitCost)
	}
	warnings = append(warnings, fmt.Sprintf("资金约束：数量由 %.0f 缩减为 %.0f", quantity, maxUnits))
	e.logger.Warn("委托数量因资金约束缩减",
		zap.Float64("requested", quantity),
		zap.Float64("reduced", maxUnits),
		zap.Float64("allowed", allowed),
	)
	for i := range legs {
		legs[i].leg.Quantity = maxUnits
	}
	return legs, warnings, nil
}

func (e *Engine) findLiveOrder(ctx context.Context, orderID string) (broker.LiveOrder, error) {
	orders, err := e.gateway.GetLiveOrders(ctx)
	if err != nil {
		return broker.LiveOrder{}, err
	}
	for _, order := range orders {
		if order.ID == orderID {
			return order, nil
		}
	}
	return broker.LiveOrder{}, &broker.Error{
		Kind:    broker.ErrOrderNotEditable,
		Message: "在途委托不存在",
		OrderID: orderID,
	}
}

func (e *Engine) record(ctx context.Context, category, action, refID, detail string) {
	if e.audit != nil {
		e.audit.Record(ctx, category, action, refID, detail)
	}
}

func describeLegs(legs []broker.Leg) string {
	parts := make([]string, len(legs))
	for i, leg := range legs {
		parts[i] = fmt.Sprintf("%s %s x%.0f", leg.Action, leg.Symbol, leg.Quantity)
	}
	return strings.Join(parts, ", ")
}
