package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/cache"
	"tasty-agent/internal/engine"
	"tasty-agent/internal/scheduler"
)

type fakeOrders struct {
	lastSpec  engine.OrderSpec
	placeErr  error
	cancelled []string
}

func (f *fakeOrders) Place(ctx context.Context, spec engine.OrderSpec) (*engine.PlaceResult, error) {
	f.lastSpec = spec
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	legs := make([]broker.Leg, len(spec.Legs))
	for i, leg := range spec.Legs {
		legs[i] = broker.Leg{Symbol: leg.Symbol, Action: leg.Action, Quantity: leg.Quantity}
	}
	result := &engine.PlaceResult{DryRun: spec.DryRun, Legs: legs, Bid: 100, Ask: 102, Price: 101}
	if !spec.DryRun {
		result.Order = &broker.LiveOrder{ID: "order-1", Legs: legs, Status: broker.StatusPending, Price: 101}
	}
	return result, nil
}

func (f *fakeOrders) Cancel(ctx context.Context, orderID string, dryRun bool) (*engine.CancelResult, error) {
	f.cancelled = append(f.cancelled, orderID)
	return &engine.CancelResult{DryRun: dryRun, OrderID: orderID, Status: broker.StatusWorking}, nil
}

func (f *fakeOrders) Modify(ctx context.Context, orderID string, newQuantity, newPrice *float64, dryRun bool) (*engine.ModifyResult, error) {
	return &engine.ModifyResult{DryRun: dryRun, OrderID: orderID}, nil
}

type fakeTasks struct {
	scheduled []scheduler.Trigger
	removed   []string
}

func (f *fakeTasks) Schedule(ctx context.Context, spec engine.OrderSpec, trigger scheduler.Trigger) (scheduler.Task, error) {
	if err := trigger.Validate(); err != nil {
		return scheduler.Task{}, err
	}
	f.scheduled = append(f.scheduled, trigger)
	now := time.Now().UTC()
	return scheduler.Task{
		ID:        "01TESTTASK",
		Spec:      spec,
		Trigger:   trigger,
		Status:    scheduler.TaskActive,
		NextRun:   now.Add(time.Hour),
		CreatedAt: now,
	}, nil
}

func (f *fakeTasks) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeTasks) List(ctx context.Context) ([]scheduler.Task, error) {
	return nil, nil
}

type fakeAccountReads struct {
	snapshot cache.Snapshot
}

func (f *fakeAccountReads) Get(ctx context.Context, kind cache.Kind) (cache.Snapshot, error) {
	snapshot := f.snapshot
	snapshot.Kind = kind
	return snapshot, nil
}

type fakeQuotes struct{}

func (f *fakeQuotes) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	return broker.Quote{Symbol: symbol, Bid: 100, Ask: 102}, nil
}

func (f *fakeQuotes) GetMarketMetrics(ctx context.Context, symbols []string) ([]broker.MarketMetrics, error) {
	metrics := make([]broker.MarketMetrics, len(symbols))
	for i, symbol := range symbols {
		metrics[i] = broker.MarketMetrics{Symbol: symbol, IVRank: 42}
	}
	return metrics, nil
}

type fakeHistory struct {
	lastSince    time.Time
	transactions []broker.Transaction
}

func (f *fakeHistory) GetTransactions(ctx context.Context, since time.Time) ([]broker.Transaction, error) {
	f.lastSince = since
	return f.transactions, nil
}

func newTestRegistry(t *testing.T, orders *fakeOrders, tasks *fakeTasks, accounts *fakeAccountReads) *Registry {
	t.Helper()
	if orders == nil {
		orders = &fakeOrders{}
	}
	if tasks == nil {
		tasks = &fakeTasks{}
	}
	if accounts == nil {
		accounts = &fakeAccountReads{}
	}
	registry, err := NewRegistry(BuildOperations(Services{
		Orders:   orders,
		Tasks:    tasks,
		Accounts: accounts,
		Quotes:   &fakeQuotes{},
		History:  &fakeHistory{},
	}))
	if err != nil {
		t.Fatalf("构建操作表失败: %v", err)
	}
	return registry
}

func TestRegistryCoversAllOperations(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, nil)

	want := []string{
		"place_trade", "cancel_order", "modify_order",
		"schedule_trade", "list_scheduled_trades", "remove_scheduled_trade",
		"get_balances", "get_positions", "get_live_orders",
		"get_quote", "get_market_metrics", "get_transaction_history",
	}
	ops := registry.Operations()
	if len(ops) != len(want) {
		t.Fatalf("操作表应有 %d 项, 实际 %d", len(want), len(ops))
	}
	for i, name := range want {
		if ops[i].Name != name {
			t.Fatalf("第 %d 项应为 %q, 实际 %q", i, name, ops[i].Name)
		}
		var schema map[string]interface{}
		if err := json.Unmarshal(ops[i].Schema, &schema); err != nil {
			t.Fatalf("操作 %q 的参数模式不是合法 JSON: %v", name, err)
		}
	}
	if tools := registry.Tools(); len(tools) != len(want) {
		t.Fatalf("工具定义数量应为 %d, 实际 %d", len(want), len(tools))
	}
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	ops := BuildOperations(Services{
		Orders:   &fakeOrders{},
		Tasks:    &fakeTasks{},
		Accounts: &fakeAccountReads{},
		Quotes:   &fakeQuotes{},
	})
	_, err := NewRegistry(append(ops, ops[0]))
	if err == nil {
		t.Fatal("重复名称应报错")
	}
}

func TestDispatchPlaceTrade(t *testing.T) {
	orders := &fakeOrders{}
	registry := newTestRegistry(t, orders, nil, nil)

	result, err := registry.Dispatch(context.Background(), "place_trade", json.RawMessage(`{
		"legs": [{"symbol": "AAPL", "kind": "option", "action": "buy_to_open", "quantity": 2,
		          "strike": 180, "expiration": "2026-09-18", "option_type": "call"}],
		"limit_price": 5.1
	}`))
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}

	leg := orders.lastSpec.Legs[0]
	if leg.Kind != broker.KindOption || leg.Strike != 180 || leg.OptionType != broker.OptionCall {
		t.Fatalf("期权腿参数应完整传递: %+v", leg)
	}
	if leg.Expiration.Format("2006-01-02") != "2026-09-18" {
		t.Fatalf("到期日解析错误: %v", leg.Expiration)
	}
	if orders.lastSpec.LimitPrice == nil || *orders.lastSpec.LimitPrice != 5.1 {
		t.Fatalf("限价应传递: %v", orders.lastSpec.LimitPrice)
	}

	var response placeResponse
	if err := json.Unmarshal([]byte(result), &response); err != nil {
		t.Fatalf("结果应为合法 JSON: %v", err)
	}
	if response.Order == nil || response.Order.ID != "order-1" {
		t.Fatalf("实盘下单应返回委托: %s", result)
	}
}

func TestDispatchInvalidExpiration(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, nil)

	result, err := registry.Dispatch(context.Background(), "place_trade", json.RawMessage(`{
		"legs": [{"symbol": "AAPL", "kind": "option", "action": "buy_to_open", "quantity": 1,
		          "strike": 180, "expiration": "18/09/2026", "option_type": "call"}]
	}`))
	if err != nil {
		t.Fatalf("业务错误应编码进结果而非上抛: %v", err)
	}

	var envelope map[string]errorPayload
	if err := json.Unmarshal([]byte(result), &envelope); err != nil {
		t.Fatalf("错误载荷应为合法 JSON: %v", err)
	}
	if envelope["error"].Kind != string(broker.ErrInvalidOrderSpec) {
		t.Fatalf("错误分类应为 invalid_order_spec: %s", result)
	}
}

func TestDispatchErrorEnvelopeCarriesIdentifiers(t *testing.T) {
	orders := &fakeOrders{placeErr: &broker.Error{
		Kind:    broker.ErrMarketClosed,
		Message: "市场休市，无法提交委托",
		Symbol:  "AAPL",
	}}
	registry := newTestRegistry(t, orders, nil, nil)

	result, err := registry.Dispatch(context.Background(), "place_trade", json.RawMessage(`{
		"legs": [{"symbol": "AAPL", "kind": "equity", "action": "buy_to_open", "quantity": 1}]
	}`))
	if err != nil {
		t.Fatalf("业务错误应编码进结果而非上抛: %v", err)
	}

	var envelope map[string]errorPayload
	if err := json.Unmarshal([]byte(result), &envelope); err != nil {
		t.Fatalf("错误载荷应为合法 JSON: %v", err)
	}
	payload := envelope["error"]
	if payload.Kind != string(broker.ErrMarketClosed) || payload.Symbol != "AAPL" {
		t.Fatalf("错误载荷应带分类与标识: %s", result)
	}
}

func TestDispatchUnknownOperation(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, nil)

	_, err := registry.Dispatch(context.Background(), "transfer_funds", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("未知操作应报错")
	}
}

func TestDispatchScheduleTrade(t *testing.T) {
	tasks := &fakeTasks{}
	registry := newTestRegistry(t, nil, tasks, nil)

	result, err := registry.Dispatch(context.Background(), "schedule_trade", json.RawMessage(`{
		"legs": [{"symbol": "AAPL", "kind": "equity", "action": "buy_to_open", "quantity": 1}],
		"trigger": {"kind": "daily", "run_time": "15:30"}
	}`))
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if len(tasks.scheduled) != 1 || tasks.scheduled[0].Kind != scheduler.TriggerDaily {
		t.Fatalf("触发条件应传递: %+v", tasks.scheduled)
	}

	var response taskResponse
	if err := json.Unmarshal([]byte(result), &response); err != nil {
		t.Fatalf("结果应为合法 JSON: %v", err)
	}
	if response.TaskID != "01TESTTASK" || response.TimeUntil == "" {
		t.Fatalf("任务响应应带任务号与剩余时间: %s", result)
	}
}

func TestDispatchGetBalancesCarriesStaleness(t *testing.T) {
	accounts := &fakeAccountReads{snapshot: cache.Snapshot{
		Balances: broker.Balances{NetLiquidatingValue: 50000},
		Stale:    true,
		Warning:  "数据可能陈旧",
	}}
	registry := newTestRegistry(t, nil, nil, accounts)

	result, err := registry.Dispatch(context.Background(), "get_balances", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}

	var response struct {
		Balances broker.Balances `json:"balances"`
		Stale    bool            `json:"stale"`
		Warning  string          `json:"warning"`
	}
	if err := json.Unmarshal([]byte(result), &response); err != nil {
		t.Fatalf("结果应为合法 JSON: %v", err)
	}
	if !response.Stale || response.Warning == "" {
		t.Fatalf("陈旧标记与告警应透传给模型: %s", result)
	}
	if response.Balances.NetLiquidatingValue != 50000 {
		t.Fatalf("资金数据应透传: %s", result)
	}
}

func TestDispatchRemoveTask(t *testing.T) {
	tasks := &fakeTasks{}
	registry := newTestRegistry(t, nil, tasks, nil)

	result, err := registry.Dispatch(context.Background(), "remove_scheduled_trade", json.RawMessage(`{"task_id": "01TESTTASK"}`))
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if len(tasks.removed) != 1 || tasks.removed[0] != "01TESTTASK" {
		t.Fatalf("应删除指定任务: %+v", tasks.removed)
	}
	var response removeTaskResponse
	if err := json.Unmarshal([]byte(result), &response); err != nil {
		t.Fatalf("结果应为合法 JSON: %v", err)
	}
	if !response.Removed {
		t.Fatalf("删除结果应为 true: %s", result)
	}
}

func TestDispatchTransactionHistory(t *testing.T) {
	history := &fakeHistory{transactions: []broker.Transaction{
		{ID: "tx-1", OrderID: "order-1", Symbol: "AAPL", Action: broker.BuyToOpen, Quantity: 10, Price: 101},
	}}
	registry, err := NewRegistry(BuildOperations(Services{
		Orders:   &fakeOrders{},
		Tasks:    &fakeTasks{},
		Accounts: &fakeAccountReads{},
		Quotes:   &fakeQuotes{},
		History:  history,
	}))
	if err != nil {
		t.Fatalf("构建操作表失败: %v", err)
	}

	result, err := registry.Dispatch(context.Background(), "get_transaction_history",
		json.RawMessage(`{"start_date": "2026-06-01"}`))
	if err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	if !history.lastSince.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("起始日期解析错误: %v", history.lastSince)
	}
	var transactions []broker.Transaction
	if err := json.Unmarshal([]byte(result), &transactions); err != nil {
		t.Fatalf("结果应为合法 JSON: %v", err)
	}
	if len(transactions) != 1 || transactions[0].ID != "tx-1" {
		t.Fatalf("应返回流水列表: %s", result)
	}

	// 缺省起始日期取最近90天。
	if _, err := registry.Dispatch(context.Background(), "get_transaction_history", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Dispatch 失败: %v", err)
	}
	want := time.Now().UTC().AddDate(0, 0, -90)
	if diff := history.lastSince.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("缺省起始日期应为最近90天: %v", history.lastSince)
	}

	result, err = registry.Dispatch(context.Background(), "get_transaction_history",
		json.RawMessage(`{"start_date": "06/01/2026"}`))
	if err != nil {
		t.Fatalf("业务错误应编码进结果而非上抛: %v", err)
	}
	var envelope map[string]errorPayload
	if err := json.Unmarshal([]byte(result), &envelope); err != nil {
		t.Fatalf("错误载荷应为合法 JSON: %v", err)
	}
	if envelope["error"].Kind != string(broker.ErrInvalidOrderSpec) {
		t.Fatalf("非法日期应返回 invalid_order_spec: %s", result)
	}
}
