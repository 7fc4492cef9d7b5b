// Package app 显式组装各组件并驱动系统生命周期：
// 会话守护、限频网关、缓存、下单引擎、调度器与代理运行时
// 都在这里创建并以依赖注入的方式连接。
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tasty-agent/internal/agent"
	"tasty-agent/internal/audit"
	"tasty-agent/internal/broker"
	"tasty-agent/internal/cache"
	"tasty-agent/internal/calendar"
	"tasty-agent/internal/config"
	"tasty-agent/internal/engine"
	"tasty-agent/internal/gateway"
	"tasty-agent/internal/scheduler"
	"tasty-agent/internal/session"
	"tasty-agent/internal/store"
)

// App 聚合全部组件，对外只暴露 Run。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	gateway   *gateway.Gateway
	scheduler *scheduler.Scheduler
	runtime   *agent.Runtime
}

// New 创建并连接全部组件。
func New(cfg *config.Config, logger *zap.Logger, sqliteStore *store.Store) (*App, error) {
	client, err := newBrokerClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	guardian := session.NewGuardian(client, cfg.Session.RenewMargin, logger)
	gw := gateway.NewGateway(client, guardian, cfg.Gateway.RequestsPerMinute, logger)
	accounts := cache.NewCache(gw, cfg.Cache, logger)

	cal, err := calendar.NewCalendar()
	if err != nil {
		return nil, fmt.Errorf("初始化交易日历失败: %w", err)
	}

	journal, err := audit.NewJournal(sqliteStore, logger)
	if err != nil {
		return nil, err
	}

	orderEngine := engine.NewEngine(gw, accounts, cal, journal, cfg.Engine, logger)

	taskStore, err := scheduler.NewTaskStore(sqliteStore)
	if err != nil {
		return nil, err
	}
	taskScheduler := scheduler.NewScheduler(taskStore, orderEngine, cal, journal, cfg.Scheduler, logger)

	registry, err := agent.NewRegistry(agent.BuildOperations(agent.Services{
		Orders:   orderEngine,
		Tasks:    taskScheduler,
		Accounts: accounts,
		Quotes:   gw,
		History:  gw,
	}))
	if err != nil {
		return nil, err
	}
	runtime, err := agent.NewRuntime(cfg.OpenAI, registry, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		gateway:   gw,
		scheduler: taskScheduler,
		runtime:   runtime,
	}, nil
}

func newBrokerClient(cfg *config.Config, logger *zap.Logger) (broker.Client, error) {
	if cfg.Broker.Simulated {
		logger.Info("使用模拟券商后端", zap.String("account", cfg.Broker.AccountID))
		return broker.NewSimulator(cfg.Broker.AccountID, cfg.Session.Lifetime), nil
	}
	return broker.NewCCXTClient(cfg.Broker, cfg.Session.Lifetime, logger)
}

// Run 启动调度循环与交互循环，阻塞直至退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易代理已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.Bool("simulated", a.cfg.Broker.Simulated),
	)
	defer a.gateway.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := a.scheduler.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("调度循环异常退出: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return converse(ctx, a.runtime, os.Stdin, os.Stdout)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// responder 为交互循环所需的代理入口。
type responder interface {
	Respond(ctx context.Context, input string) (string, error)
}

// converse 从输入读取用户指令，交由代理运行时处理并输出答复。
// 读取放在独立协程中，退出信号到达时不必等待下一行输入。
func converse(ctx context.Context, rt responder, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(out, "交易代理就绪，输入指令（exit 退出）：")
	for {
		fmt.Fprint(out, "> ")

		var raw string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case raw = <-lines:
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		reply, err := rt.Respond(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "处理失败: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}
