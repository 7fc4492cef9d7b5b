// Package agent 把交易能力组织成一张显式的操作表：
// 名称、说明、参数模式与处理函数一一对应，既是模型的工具清单，
// 也是唯一的分发入口。
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"tasty-agent/internal/broker"
)

// Handler 执行一个操作。入参为原始 JSON 参数，出参为可序列化结果。
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Operation 为操作表中的一项。
type Operation struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler
}

// Registry 为只读操作表，启动时构建一次。
type Registry struct {
	ops    []Operation
	byName map[string]Operation
}

// NewRegistry 构建操作表，名称不允许重复。
func NewRegistry(ops []Operation) (*Registry, error) {
	byName := make(map[string]Operation, len(ops))
	for _, op := range ops {
		if op.Name == "" || op.Handler == nil {
			return nil, fmt.Errorf("操作表项不完整: %+v", op.Name)
		}
		if _, exists := byName[op.Name]; exists {
			return nil, fmt.Errorf("操作 %q 重复注册", op.Name)
		}
		byName[op.Name] = op
	}
	return &Registry{ops: ops, byName: byName}, nil
}

// Operations 返回全部操作，按注册顺序。
func (r *Registry) Operations() []Operation {
	return r.ops
}

// Tools 把操作表转成 OpenAI 工具定义。
func (r *Registry) Tools() []openai.Tool {
	tools := make([]openai.Tool, len(r.ops))
	for i, op := range r.ops {
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        op.Name,
				Description: op.Description,
				Parameters:  op.Schema,
			},
		}
	}
	return tools
}

// errorPayload 为反馈给模型的结构化错误。
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// Dispatch 执行指定操作并把结果序列化为 JSON。
// 业务错误不向上抛，而是编码为带分类的错误载荷，交由模型转述。
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error) {
	op, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("未知操作 %q", name)
	}

	result, err := op.Handler(ctx, args)
	if err != nil {
		payload := errorPayload{Kind: "internal", Message: err.Error()}
		var be *broker.Error
		if errors.As(err, &be) {
			payload = errorPayload{
				Kind:    string(be.Kind),
				Message: be.Message,
				Symbol:  be.Symbol,
				OrderID: be.OrderID,
				TaskID:  be.TaskID,
			}
		}
		encoded, marshalErr := json.Marshal(map[string]errorPayload{"error": payload})
		if marshalErr != nil {
			return "", marshalErr
		}
		return string(encoded), nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("序列化操作结果失败: %w", err)
	}
	return string(encoded), nil
}
