package agent

import (
	"context"
	"encoding/json"
	"time"

	"tasty-agent/internal/broker"
	"tasty-agent/internal/cache"
	"tasty-agent/internal/engine"
	"tasty-agent/internal/scheduler"
)

// orderService 为操作表所需的下单入口。
type orderService interface {
	Place(ctx context.Context, spec engine.OrderSpec) (*engine.PlaceResult, error)
	Cancel(ctx context.Context, orderID string, dryRun bool) (*engine.CancelResult, error)
	Modify(ctx context.Context, orderID string, newQuantity, newPrice *float64, dryRun bool) (*engine.ModifyResult, error)
}

// taskService 为操作表所需的定时任务入口。
type taskService interface {
	Schedule(ctx context.Context, spec engine.OrderSpec, trigger scheduler.Trigger) (scheduler.Task, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]scheduler.Task, error)
}

// accountService 为操作表所需的账户快照入口。
type accountService interface {
	Get(ctx context.Context, kind cache.Kind) (cache.Snapshot, error)
}

// quoteService 为操作表所需的行情入口。
type quoteService interface {
	GetQuote(ctx context.Context, symbol string) (broker.Quote, error)
	GetMarketMetrics(ctx context.Context, symbols []string) ([]broker.MarketMetrics, error)
}

// historyService 为操作表所需的成交流水入口。
type historyService interface {
	GetTransactions(ctx context.Context, since time.Time) ([]broker.Transaction, error)
}

// Services 汇集操作表依赖的各个能力。
type Services struct {
	Orders   orderService
	Tasks    taskService
	Accounts accountService
	Quotes   quoteService
	History  historyService
}

type legArg struct {
	Symbol     string  `json:"symbol"`
	Kind       string  `json:"kind"`
	Action     string  `json:"action"`
	Quantity   float64 `json:"quantity"`
	Strike     float64 `json:"strike,omitempty"`
	Expiration string  `json:"expiration,omitempty"`
	OptionType string  `json:"option_type,omitempty"`
}

type placeArgs struct {
	Legs        []legArg `json:"legs"`
	LimitPrice  *float64 `json:"limit_price,omitempty"`
	TimeInForce string   `json:"time_in_force,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

type cancelArgs struct {
	OrderID string `json:"order_id"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

type modifyArgs struct {
	OrderID  string   `json:"order_id"`
	Quantity *float64 `json:"quantity,omitempty"`
	Price    *float64 `json:"price,omitempty"`
	DryRun   bool     `json:"dry_run,omitempty"`
}

type triggerArg struct {
	Kind    string `json:"kind"`
	RunAt   string `json:"run_at,omitempty"`
	RunTime string `json:"run_time,omitempty"`
}

type scheduleArgs struct {
	Legs        []legArg   `json:"legs"`
	LimitPrice  *float64   `json:"limit_price,omitempty"`
	TimeInForce string     `json:"time_in_force,omitempty"`
	Trigger     triggerArg `json:"trigger"`
}

type removeTaskArgs struct {
	TaskID string `json:"task_id"`
}

type quoteArgs struct {
	Symbol string `json:"symbol"`
}

type metricsArgs struct {
	Symbols []string `json:"symbols"`
}

type transactionsArgs struct {
	StartDate string `json:"start_date,omitempty"`
}

type placeResponse struct {
	DryRun   bool              `json:"dry_run"`
	Legs     []broker.Leg      `json:"legs"`
	Bid      float64           `json:"bid"`
	Ask      float64           `json:"ask"`
	Price    float64           `json:"price"`
	Warnings []string          `json:"warnings,omitempty"`
	Order    *broker.LiveOrder `json:"order,omitempty"`
}

type cancelResponse struct {
	DryRun  bool   `json:"dry_run"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type modifyResponse struct {
	DryRun   bool               `json:"dry_run"`
	OrderID  string             `json:"order_id"`
	Ticket   broker.OrderTicket `json:"ticket"`
	Warnings []string           `json:"warnings,omitempty"`
	Order    *broker.LiveOrder  `json:"order,omitempty"`
}

type taskResponse struct {
	TaskID    string `json:"task_id"`
	Trigger   string `json:"trigger"`
	Status    string `json:"status"`
	NextRun   string `json:"next_run"`
	TimeUntil string `json:"time_until,omitempty"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
}

type removeTaskResponse struct {
	TaskID  string `json:"task_id"`
	Removed bool   `json:"removed"`
}

type snapshotMeta struct {
	Stale   bool   `json:"stale"`
	Warning string `json:"warning,omitempty"`
}

type balancesResponse struct {
	Balances broker.Balances `json:"balances"`
	snapshotMeta
}

type positionsResponse struct {
	Positions []broker.Position `json:"positions"`
	snapshotMeta
}

type liveOrdersResponse struct {
	Orders []broker.LiveOrder `json:"orders"`
	snapshotMeta
}

const legsSchemaFragment = `
		"legs": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"symbol": {"type": "string", "description": "股票代码；期权腿填标的代码"},
					"kind": {"type": "string", "enum": ["equity", "option"]},
					"action": {"type": "string", "enum": ["buy_to_open", "sell_to_close", "sell_to_open", "buy_to_close"]},
					"quantity": {"type": "number"},
					"strike": {"type": "number", "description": "期权行权价"},
					"expiration": {"type": "string", "description": "期权到期日 YYYY-MM-DD"},
					"option_type": {"type": "string", "enum": ["call", "put"]}
				},
				"required": ["symbol", "kind", "action", "quantity"]
			}
		}`

// BuildOperations 构建完整操作表。
func BuildOperations(services Services) []Operation {
	return []Operation{
		{
			Name:        "place_trade",
			Description: "提交一笔股票或期权委托。不给限价时按买卖中间价定价；dry_run 返回预览不实际下单。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {` + legsSchemaFragment + `,
					"limit_price": {"type": "number"},
					"time_in_force": {"type": "string", "enum": ["day", "gtc"]},
					"dry_run": {"type": "boolean"}
				},
				"required": ["legs"]
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args placeArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析下单参数失败")
				}
				spec, err := buildOrderSpec(args.Legs, args.LimitPrice, args.TimeInForce)
				if err != nil {
					return nil, err
				}
				spec.DryRun = args.DryRun
				result, err := services.Orders.Place(ctx, spec)
				if err != nil {
					return nil, err
				}
				return placeResponse{
					DryRun:   result.DryRun,
					Legs:     result.Legs,
					Bid:      result.Bid,
					Ask:      result.Ask,
					Price:    result.Price,
					Warnings: result.Warnings,
					Order:    result.Order,
				}, nil
			},
		},
		{
			Name:        "cancel_order",
			Description: "撤销一笔在途委托。dry_run 仅校验可撤性。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"order_id": {"type": "string"},
					"dry_run": {"type": "boolean"}
				},
				"required": ["order_id"]
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args cancelArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析撤单参数失败")
				}
				result, err := services.Orders.Cancel(ctx, args.OrderID, args.DryRun)
				if err != nil {
					return nil, err
				}
				return cancelResponse{
					DryRun:  result.DryRun,
					OrderID: result.OrderID,
					Status:  string(result.Status),
				}, nil
			},
		},
		{
			Name:        "modify_order",
			Description: "修改一笔在途单腿委托的数量或限价，至少给出其中之一。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"order_id": {"type": "string"},
					"quantity": {"type": "number"},
					"price": {"type": "number"},
					"dry_run": {"type": "boolean"}
				},
				"required": ["order_id"]
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args modifyArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析改单参数失败")
				}
				result, err := services.Orders.Modify(ctx, args.OrderID, args.Quantity, args.Price, args.DryRun)
				if err != nil {
					return nil, err
				}
				return modifyResponse{
					DryRun:   result.DryRun,
					OrderID:  result.OrderID,
					Ticket:   result.Ticket,
					Warnings: result.Warnings,
					Order:    result.Order,
				}, nil
			},
		},
		{
			Name:        "schedule_trade",
			Description: "创建定时委托任务：immediate 开盘即执行，once 在指定时间执行一次，daily 每个交易日的指定时刻执行。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {` + legsSchemaFragment + `,
					"limit_price": {"type": "number"},
					"time_in_force": {"type": "string", "enum": ["day", "gtc"]},
					"trigger": {
						"type": "object",
						"properties": {
							"kind": {"type": "string", "enum": ["immediate", "once", "daily"]},
							"run_at": {"type": "string", "description": "once 的执行时间，RFC3339"},
							"run_time": {"type": "string", "description": "daily 的执行时刻 HH:MM（美东）"}
						},
						"required": ["kind"]
					}
				},
				"required": ["legs", "trigger"]
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args scheduleArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析定时任务参数失败")
				}
				spec, err := buildOrderSpec(args.Legs, args.LimitPrice, args.TimeInForce)
				if err != nil {
					return nil, err
				}
				trigger, err := buildTrigger(args.Trigger)
				if err != nil {
					return nil, err
				}
				task, err := services.Tasks.Schedule(ctx, spec, trigger)
				if err != nil {
					return nil, err
				}
				return taskToResponse(task, time.Now().UTC()), nil
			},
		},
		{
			Name:        "list_scheduled_trades",
			Description: "列出全部定时委托任务及其状态。",
			Schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				tasks, err := services.Tasks.List(ctx)
				if err != nil {
					return nil, err
				}
				now := time.Now().UTC()
				responses := make([]taskResponse, len(tasks))
				for i, task := range tasks {
					responses[i] = taskToResponse(task, now)
				}
				return responses, nil
			},
		},
		{
			Name:        "remove_scheduled_trade",
			Description: "删除一个定时委托任务，删除后不会再执行。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_id": {"type": "string"}
				},
				"required": ["task_id"]
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args removeTaskArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析删除任务参数失败")
				}
				if err := services.Tasks.Remove(ctx, args.TaskID); err != nil {
					return nil, err
				}
				return removeTaskResponse{TaskID: args.TaskID, Removed: true}, nil
			},
		},
		{
			Name:        "get_balances",
			Description: "查询账户资金：现金、购买力、净清算价值。",
			Schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				snapshot, err := services.Accounts.Get(ctx, cache.KindBalances)
				if err != nil {
					return nil, err
				}
				return balancesResponse{
					Balances:     snapshot.Balances,
					snapshotMeta: snapshotMeta{Stale: snapshot.Stale, Warning: snapshot.Warning},
				}, nil
			},
		},
		{
			Name:        "get_positions",
			Description: "查询当前全部持仓。",
			Schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				snapshot, err := services.Accounts.Get(ctx, cache.KindPositions)
				if err != nil {
					return nil, err
				}
				return positionsResponse{
					Positions:    snapshot.Positions,
					snapshotMeta: snapshotMeta{Stale: snapshot.Stale, Warning: snapshot.Warning},
				}, nil
			},
		},
		{
			Name:        "get_live_orders",
			Description: "查询全部在途委托。",
			Schema:      json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				snapshot, err := services.Accounts.Get(ctx, cache.KindLiveOrders)
				if err != nil {
					return nil, err
				}
				return liveOrdersResponse{
					Orders:       snapshot.LiveOrders,
					snapshotMeta: snapshotMeta{Stale: snapshot.Stale, Warning: snapshot.Warning},
				}, nil
			},
		},
		{
			Name:        "get_quote",
			Description: "查询单个合约的实时买一卖一报价。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"symbol": {"type": "string"}
				},
				"required": ["symbol"]
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args quoteArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析行情参数失败")
				}
				if args.Symbol == "" {
					return nil, broker.NewError(broker.ErrInvalidOrderSpec, "合约代码不能为空")
				}
				return services.Quotes.GetQuote(ctx, args.Symbol)
			},
		},
		{
			Name:        "get_market_metrics",
			Description: "查询标的的市场指标：隐含波动率排名、Beta、流动性评级等。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"symbols": {"type": "array", "items": {"type": "string"}, "minItems": 1}
				},
				"required": ["symbols"]
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args metricsArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析指标参数失败")
				}
				if len(args.Symbols) == 0 {
					return nil, broker.NewError(broker.ErrInvalidOrderSpec, "标的列表不能为空")
				}
				return services.Quotes.GetMarketMetrics(ctx, args.Symbols)
			},
		},
		{
			Name:        "get_transaction_history",
			Description: "查询账户的历史成交流水。start_date 为 YYYY-MM-DD，缺省为最近90天。",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"start_date": {"type": "string", "description": "起始日期，格式 YYYY-MM-DD"}
				}
			}`),
			Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
				var args transactionsArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, broker.WrapError(broker.ErrInvalidOrderSpec, err, "解析流水参数失败")
				}
				since := time.Now().UTC().AddDate(0, 0, -90)
				if args.StartDate != "" {
					parsed, err := time.Parse("2006-01-02", args.StartDate)
					if err != nil {
						return nil, broker.NewError(broker.ErrInvalidOrderSpec,
							"起始日期格式应为 YYYY-MM-DD: %q", args.StartDate)
					}
					since = parsed.UTC()
				}
				return services.History.GetTransactions(ctx, since)
			},
		},
	}
}

func buildOrderSpec(legs []legArg, limitPrice *float64, timeInForce string) (engine.OrderSpec, error) {
	if len(legs) == 0 {
		return engine.OrderSpec{}, broker.NewError(broker.ErrInvalidOrderSpec, "委托至少需要一条腿")
	}
	specs := make([]engine.LegSpec, len(legs))
	for i, leg := range legs {
		spec := engine.LegSpec{
			Symbol:     leg.Symbol,
			Kind:       broker.InstrumentKind(leg.Kind),
			Action:     broker.OrderAction(leg.Action),
			Quantity:   leg.Quantity,
			Strike:     leg.Strike,
			OptionType: broker.OptionType(leg.OptionType),
		}
		if leg.Expiration != "" {
			expiration, err := time.Parse("2006-01-02", leg.Expiration)
			if err != nil {
				return engine.OrderSpec{}, broker.NewError(broker.ErrInvalidOrderSpec,
					"第 %d 条腿到期日 %q 无效，应为 YYYY-MM-DD", i+1, leg.Expiration)
			}
			spec.Expiration = expiration
		}
		specs[i] = spec
	}
	return engine.OrderSpec{Legs: specs, LimitPrice: limitPrice, TimeInForce: timeInForce}, nil
}

func buildTrigger(arg triggerArg) (scheduler.Trigger, error) {
	trigger := scheduler.Trigger{
		Kind:    scheduler.TriggerKind(arg.Kind),
		RunTime: arg.RunTime,
	}
	if arg.RunAt != "" {
		runAt, err := time.Parse(time.RFC3339, arg.RunAt)
		if err != nil {
			return scheduler.Trigger{}, broker.NewError(broker.ErrInvalidOrderSpec,
				"执行时间 %q 无效，应为 RFC3339", arg.RunAt)
		}
		trigger.RunAt = runAt
	}
	return trigger, nil
}

func taskToResponse(task scheduler.Task, now time.Time) taskResponse {
	response := taskResponse{
		TaskID:    task.ID,
		Trigger:   string(task.Trigger.Kind),
		Status:    string(task.Status),
		NextRun:   task.NextRun.Format(time.RFC3339),
		LastError: task.LastError,
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
	}
	if task.Status == scheduler.TaskActive {
		response.TimeUntil = scheduler.FormatTimeUntil(now, task.NextRun)
	}
	return response
}
