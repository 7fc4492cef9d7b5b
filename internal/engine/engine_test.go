package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/cache"
	"tasty-agent/internal/config"
)

type fakeGateway struct {
	mu        sync.Mutex
	quotes    map[string]broker.Quote
	chain     broker.OptionChain
	chainErr  error
	orders    []broker.LiveOrder
	submitted []broker.OrderTicket
	submitErr error
	cancelled []string
	replaced  []broker.OrderTicket
	calls     []string
}

func (f *fakeGateway) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "get_quote")
	quote, ok := f.quotes[symbol]
	if !ok {
		return broker.Quote{}, broker.NewError(broker.ErrInstrumentResolution, "无报价: %s", symbol)
	}
	return quote, nil
}

func (f *fakeGateway) GetOptionChain(ctx context.Context, underlying string) (broker.OptionChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "get_option_chain")
	if f.chainErr != nil {
		return broker.OptionChain{}, f.chainErr
	}
	return f.chain, nil
}

func (f *fakeGateway) GetLiveOrders(ctx context.Context) ([]broker.LiveOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "get_live_orders")
	return f.orders, nil
}

func (f *fakeGateway) SubmitOrder(ctx context.Context, ticket broker.OrderTicket) (broker.LiveOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "submit_order")
	if f.submitErr != nil {
		return broker.LiveOrder{}, f.submitErr
	}
	f.submitted = append(f.submitted, ticket)
	return broker.LiveOrder{ID: "order-1", Legs: ticket.Legs, Status: broker.StatusPending, Price: ticket.Price}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cancel_order")
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeGateway) ReplaceOrder(ctx context.Context, orderID string, ticket broker.OrderTicket) (broker.LiveOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "replace_order")
	f.replaced = append(f.replaced, ticket)
	return broker.LiveOrder{ID: "order-2", Legs: ticket.Legs, Status: broker.StatusPending, Price: ticket.Price}, nil
}

func (f *fakeGateway) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == name {
			count++
		}
	}
	return count
}

type fakeAccounts struct {
	balances    broker.Balances
	invalidated []cache.Kind
}

func (f *fakeAccounts) Get(ctx context.Context, kind cache.Kind) (cache.Snapshot, error) {
	return cache.Snapshot{Kind: kind, Balances: f.balances}, nil
}

func (f *fakeAccounts) Invalidate(kinds ...cache.Kind) {
	f.invalidated = append(f.invalidated, kinds...)
}

type fakeClock struct{ open bool }

func (c fakeClock) IsOpen(time.Time) bool { return c.open }

func newTestEngine(gw *fakeGateway, accounts *fakeAccounts, open bool) *Engine {
	if accounts == nil {
		accounts = &fakeAccounts{balances: broker.Balances{
			EquityBuyingPower:     1_000_000,
			DerivativeBuyingPower: 1_000_000,
			NetLiquidatingValue:   1_000_000,
		}}
	}
	return NewEngine(gw, accounts, fakeClock{open: open}, nil, config.EngineConfig{MaxPositionPct: 0.40}, nil)
}

func floatPtr(v float64) *float64 { return &v }

func equityBuy(quantity float64) OrderSpec {
	return OrderSpec{
		Legs: []LegSpec{{
			Symbol:   "AAPL",
			Kind:     broker.KindEquity,
			Action:   broker.BuyToOpen,
			Quantity: quantity,
		}},
	}
}

func aaplQuotes() map[string]broker.Quote {
	return map[string]broker.Quote{
		"AAPL": {Symbol: "AAPL", Bid: 100, Ask: 102},
	}
}

func TestPlaceMidpointDefault(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	e := newTestEngine(gw, nil, true)

	result, err := e.Place(context.Background(), equityBuy(10))
	if err != nil {
		t.Fatalf("Place 失败: %v", err)
	}
	if result.Price != 101 {
		t.Fatalf("无限价时应取中间价 101, 实际 %.2f", result.Price)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("中间价定价不应有告警: %v", result.Warnings)
	}
}

func TestPlaceLimitClampedToAsk(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	e := newTestEngine(gw, nil, true)

	spec := equityBuy(10)
	spec.LimitPrice = floatPtr(110)
	result, err := e.Place(context.Background(), spec)
	if err != nil {
		t.Fatalf("Place 失败: %v", err)
	}
	if result.Price != 102 {
		t.Fatalf("超出卖一的限价应收敛到 102, 实际 %.2f", result.Price)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("收敛限价应产生告警")
	}
}

func TestPlaceLimitClampedToBid(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	e := newTestEngine(gw, nil, true)

	spec := equityBuy(10)
	spec.LimitPrice = floatPtr(90)
	result, err := e.Place(context.Background(), spec)
	if err != nil {
		t.Fatalf("Place 失败: %v", err)
	}
	if result.Price != 100 {
		t.Fatalf("低于买一的限价应收敛到 100, 实际 %.2f", result.Price)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("收敛限价应产生告警")
	}
}

func TestPlaceDryRunSkipsSubmit(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	accounts := &fakeAccounts{balances: broker.Balances{
		EquityBuyingPower:   1_000_000,
		NetLiquidatingValue: 1_000_000,
	}}
	e := newTestEngine(gw, accounts, false) // 休市也允许 dry-run

	result, err := e.Place(context.Background(), func() OrderSpec {
		spec := equityBuy(10)
		spec.DryRun = true
		return spec
	}())
	if err != nil {
		t.Fatalf("dry-run Place 失败: %v", err)
	}
	if result.Order != nil {
		t.Fatal("dry-run 不应返回委托")
	}
	if gw.callCount("submit_order") != 0 {
		t.Fatal("dry-run 不应触达提交路径")
	}
	if len(accounts.invalidated) != 0 {
		t.Fatal("dry-run 不应使缓存失效")
	}
}

func TestPlaceMarketClosed(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	e := newTestEngine(gw, nil, false)

	_, err := e.Place(context.Background(), equityBuy(10))
	if !broker.IsKind(err, broker.ErrMarketClosed) {
		t.Fatalf("休市实盘下单应返回市场休市错误: %v", err)
	}
	if gw.callCount("submit_order") != 0 {
		t.Fatal("休市时不应触达提交路径")
	}
}

func TestPlaceInvalidatesCachesOnSubmit(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	accounts := &fakeAccounts{balances: broker.Balances{
		EquityBuyingPower:   1_000_000,
		NetLiquidatingValue: 1_000_000,
	}}
	e := newTestEngine(gw, accounts, true)

	result, err := e.Place(context.Background(), equityBuy(10))
	if err != nil {
		t.Fatalf("Place 失败: %v", err)
	}
	if result.Order == nil || result.Order.ID != "order-1" {
		t.Fatalf("应返回提交后的委托: %+v", result.Order)
	}
	want := map[cache.Kind]bool{
		cache.KindLiveOrders: true,
		cache.KindPositions:  true,
		cache.KindBalances:   true,
	}
	for _, kind := range accounts.invalidated {
		delete(want, kind)
	}
	if len(want) != 0 {
		t.Fatalf("提交成功后应使全部账户缓存失效, 遗漏: %v", want)
	}
}

func TestPlaceBuyingPowerReducesQuantity(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	accounts := &fakeAccounts{balances: broker.Balances{
		EquityBuyingPower:   10_000,
		NetLiquidatingValue: 10_000,
	}}
	e := newTestEngine(gw, accounts, true)

	// 中间价 101，上限 min(10000, 0.4*10000)=4000 → 最多 39 股。
	result, err := e.Place(context.Background(), equityBuy(100))
	if err != nil {
		t.Fatalf("Place 失败: %v", err)
	}
	if got := result.Legs[0].Quantity; got != 39 {
		t.Fatalf("数量应缩减为 39, 实际 %.0f", got)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "缩减") {
			found = true
		}
	}
	if !found {
		t.Fatalf("缩减数量应产生告警: %v", result.Warnings)
	}
	if got := gw.submitted[0].Legs[0].Quantity; got != 39 {
		t.Fatalf("提交的委托应使用缩减后的数量, 实际 %.0f", got)
	}
}

func TestPlaceBuyingPowerRejectsZero(t *testing.T) {
	gw := &fakeGateway{quotes: aaplQuotes()}
	accounts := &fakeAccounts{balances: broker.Balances{
		EquityBuyingPower:   50,
		NetLiquidatingValue: 50,
	}}
	e := newTestEngine(gw, accounts, true)

	_, err := e.Place(context.Background(), equityBuy(10))
	if !broker.IsKind(err, broker.ErrInvalidOrderSpec) {
		t.Fatalf("资金不足以买入任何数量应拒绝: %v", err)
	}
	if gw.callCount("submit_order") != 0 {
		t.Fatal("拒绝的委托不应触达提交路径")
	}
}

func TestPlaceResolvesOptionLeg(t *testing.T) {
	expiration := time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		quotes: map[string]broker.Quote{
			"AAPL  260918C00180000": {Symbol: "AAPL  260918C00180000", Bid: 5.00, Ask: 5.20},
		},
		chain: broker.OptionChain{
			Underlying: "AAPL",
			Expirations: []broker.ChainExpiration{{
				Expiration: expiration,
				Strikes: []broker.ChainStrike{{
					Strike:     180,
					CallSymbol: "AAPL  260918C00180000",
					PutSymbol:  "AAPL  260918P00180000",
				}},
			}},
		},
	}
	e := newTestEngine(gw, nil, true)

	result, err := e.Place(context.Background(), OrderSpec{
		Legs: []LegSpec{{
			Symbol:     "aapl",
			Kind:       broker.KindOption,
			Action:     broker.BuyToOpen,
			Quantity:   1,
			Strike:     180,
			Expiration: expiration,
			OptionType: broker.OptionCall,
		}},
	})
	if err != nil {
		t.Fatalf("Place 失败: %v", err)
	}
	if result.Legs[0].Symbol != "AAPL  260918C00180000" {
		t.Fatalf("期权腿应解析为链中合约, 实际 %q", result.Legs[0].Symbol)
	}
	if result.Price != 5.10 {
		t.Fatalf("期权中间价应为 5.10, 实际 %.2f", result.Price)
	}
}

func TestPlaceOptionResolutionMiss(t *testing.T) {
	gw := &fakeGateway{chain: broker.OptionChain{Underlying: "AAPL"}}
	e := newTestEngine(gw, nil, true)

	_, err := e.Place(context.Background(), OrderSpec{
		Legs: []LegSpec{{
			Symbol:     "AAPL",
			Kind:       broker.KindOption,
			Action:     broker.BuyToOpen,
			Quantity:   1,
			Strike:     999,
			Expiration: time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
			OptionType: broker.OptionCall,
		}},
	})
	if !broker.IsKind(err, broker.ErrInstrumentResolution) {
		t.Fatalf("链中不存在的合约应返回解析错误: %v", err)
	}
}

func TestModifyRequiresField(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw, nil, true)

	_, err := e.Modify(context.Background(), "order-1", nil, nil, false)
	if !broker.IsKind(err, broker.ErrInvalidOrderSpec) {
		t.Fatalf("无修改字段应返回参数错误: %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("参数校验失败不应发起任何网关调用: %v", gw.calls)
	}
}

func TestModifyMultiLegUnsupported(t *testing.T) {
	gw := &fakeGateway{orders: []broker.LiveOrder{{
		ID:     "order-1",
		Status: broker.StatusWorking,
		Legs: []broker.Leg{
			{Symbol: "AAPL", Action: broker.BuyToOpen, Quantity: 1},
			{Symbol: "MSFT", Action: broker.SellToOpen, Quantity: 1},
		},
	}}}
	e := newTestEngine(gw, nil, true)

	_, err := e.Modify(context.Background(), "order-1", floatPtr(2), nil, false)
	if !broker.IsKind(err, broker.ErrUnsupportedOperation) {
		t.Fatalf("多腿委托修改应返回不支持错误: %v", err)
	}
}

func TestModifyTerminalOrder(t *testing.T) {
	gw := &fakeGateway{orders: []broker.LiveOrder{{
		ID:     "order-1",
		Status: broker.StatusFilled,
		Legs:   []broker.Leg{{Symbol: "AAPL", Action: broker.BuyToOpen, Quantity: 1}},
	}}}
	e := newTestEngine(gw, nil, true)

	_, err := e.Modify(context.Background(), "order-1", floatPtr(2), nil, false)
	if !broker.IsKind(err, broker.ErrOrderNotEditable) {
		t.Fatalf("终态委托修改应返回不可编辑错误: %v", err)
	}
}

func TestModifyClampsNewPrice(t *testing.T) {
	gw := &fakeGateway{
		quotes: aaplQuotes(),
		orders: []broker.LiveOrder{{
			ID:     "order-1",
			Status: broker.StatusWorking,
			Price:  101,
			Legs:   []broker.Leg{{Symbol: "AAPL", Action: broker.BuyToOpen, Quantity: 5}},
		}},
	}
	accounts := &fakeAccounts{}
	e := newTestEngine(gw, accounts, true)

	result, err := e.Modify(context.Background(), "order-1", nil, floatPtr(120), false)
	if err != nil {
		t.Fatalf("Modify 失败: %v", err)
	}
	if result.Ticket.Price != 102 {
		t.Fatalf("新限价应收敛到卖一 102, 实际 %.2f", result.Ticket.Price)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("收敛新限价应产生告警")
	}
	if result.Order == nil || result.Order.ID != "order-2" {
		t.Fatalf("应返回替换后的委托: %+v", result.Order)
	}
	if len(accounts.invalidated) == 0 {
		t.Fatal("改单成功后应使缓存失效")
	}
}

func TestModifyDryRunSkipsReplace(t *testing.T) {
	gw := &fakeGateway{orders: []broker.LiveOrder{{
		ID:     "order-1",
		Status: broker.StatusWorking,
		Price:  101,
		Legs:   []broker.Leg{{Symbol: "AAPL", Action: broker.BuyToOpen, Quantity: 5}},
	}}}
	e := newTestEngine(gw, nil, true)

	result, err := e.Modify(context.Background(), "order-1", floatPtr(3), nil, true)
	if err != nil {
		t.Fatalf("dry-run Modify 失败: %v", err)
	}
	if result.Order != nil {
		t.Fatal("dry-run 不应返回替换后的委托")
	}
	if result.Ticket.Legs[0].Quantity != 3 {
		t.Fatalf("预览应包含新数量, 实际 %.0f", result.Ticket.Legs[0].Quantity)
	}
	if gw.callCount("replace_order") != 0 {
		t.Fatal("dry-run 不应触达替换路径")
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(gw, nil, true)

	_, err := e.Cancel(context.Background(), "missing", false)
	if !broker.IsKind(err, broker.ErrOrderNotEditable) {
		t.Fatalf("不存在的委托应返回不可编辑错误: %v", err)
	}
}

func TestCancelInvalidatesCaches(t *testing.T) {
	gw := &fakeGateway{orders: []broker.LiveOrder{{
		ID:     "order-1",
		Status: broker.StatusWorking,
		Legs:   []broker.Leg{{Symbol: "AAPL", Action: broker.BuyToOpen, Quantity: 5}},
	}}}
	accounts := &fakeAccounts{}
	e := newTestEngine(gw, accounts, true)

	result, err := e.Cancel(context.Background(), "order-1", false)
	if err != nil {
		t.Fatalf("Cancel 失败: %v", err)
	}
	if result.OrderID != "order-1" {
		t.Fatalf("意外的撤单结果: %+v", result)
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "order-1" {
		t.Fatalf("应撤销 order-1: %v", gw.cancelled)
	}
	if len(accounts.invalidated) == 0 {
		t.Fatal("撤单成功后应使缓存失效")
	}
}

func TestCancelDryRun(t *testing.T) {
	gw := &fakeGateway{orders: []broker.LiveOrder{{
		ID:     "order-1",
		Status: broker.StatusPending,
		Legs:   []broker.Leg{{Symbol: "AAPL", Action: broker.BuyToOpen, Quantity: 5}},
	}}}
	e := newTestEngine(gw, nil, false) // 休市不拦 dry-run

	result, err := e.Cancel(context.Background(), "order-1", true)
	if err != nil {
		t.Fatalf("dry-run Cancel 失败: %v", err)
	}
	if !result.DryRun || result.Status != broker.StatusPending {
		t.Fatalf("意外的撤单预览: %+v", result)
	}
	if gw.callCount("cancel_order") != 0 {
		t.Fatal("dry-run 不应触达撤销路径")
	}
}
