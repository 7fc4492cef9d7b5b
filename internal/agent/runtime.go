package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"tasty-agent/internal/config"
)

const systemPrompt = `你是一个券商账户的交易助理。通过提供的工具查询账户并执行用户的交易指令。
规则：
- 下单、撤单、改单前如有不确定，先用 dry_run 预览并向用户确认。
- 工具返回的 error 载荷带有错误分类，向用户转述原因，不要编造结果。
- 涉及金额与数量时引用工具返回的数字，不要自行估算。`

// 单轮对话允许的最大工具调用轮数，防止模型循环调用。
const maxToolRounds = 8

// Runtime 驱动模型与操作表之间的函数调用循环。
type Runtime struct {
	cfg      config.OpenAIConfig
	logger   *zap.Logger
	sdk      *openai.Client
	registry *Registry
}

// NewRuntime 创建代理运行时。
func NewRuntime(cfg config.OpenAIConfig, registry *Registry, logger *zap.Logger) (*Runtime, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		sdk:      openai.NewClientWithConfig(clientConfig),
		registry: registry,
	}, nil
}

// Respond 处理一条用户消息：模型决定调用哪些操作，
// 运行时执行并把结果回填，直至模型给出最终答复。
func (rt *Runtime) Respond(ctx context.Context, userMessage string) (string, error) {
	if rt.cfg.Model == "" {
		return "", errors.New("openai model 不能为空")
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userMessage},
	}
	tools := rt.registry.Tools()

	for round := 0; round < maxToolRounds; round++ {
		response, err := rt.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       rt.cfg.Model,
			Messages:    messages,
			Tools:       tools,
			Temperature: 0,
		})
		if err != nil {
			rt.logger.Error("调用OpenAI失败", zap.Error(err))
			return "", fmt.Errorf("调用OpenAI失败: %w", err)
		}
		if len(response.Choices) == 0 {
			return "", errors.New("OpenAI 返回结果为空")
		}

		message := response.Choices[0].Message
		if len(message.ToolCalls) == 0 {
			content := strings.TrimSpace(message.Content)
			if content == "" {
				return "", errors.New("OpenAI 返回内容为空")
			}
			return content, nil
		}

		messages = append(messages, message)
		for _, call := range message.ToolCalls {
			result, err := rt.registry.Dispatch(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
			if err != nil {
				// 操作表层面的失败（未知操作、序列化异常），终止本轮。
				rt.logger.Error("工具调用失败",
					zap.String("tool", call.Function.Name),
					zap.Error(err),
				)
				return "", err
			}
			rt.logger.Info("工具调用完成",
				zap.String("tool", call.Function.Name),
				zap.Int("result_bytes", len(result)),
			)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	return "", fmt.Errorf("工具调用超过 %d 轮仍未收敛", maxToolRounds)
}
