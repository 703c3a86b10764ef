package protocol

import (
	"context"

	"SynthralOS/internal/llm"
	"SynthralOS/internal/task"
)

// LLMName 是大模型协议名。
const LLMName = "llm"

// LLM 返回把作业内容交给大模型处理的处理器，Data 为模型的结构化回复。
func LLM(client llm.Client) task.ProtocolHandler {
	return task.HandlerFunc(func(ctx context.Context, payload task.Payload) (task.HandlerResult, error) {
		resp, err := client.Generate(ctx, llm.Request{
			Task:    payload.Task,
			Role:    payload.Role,
			Tools:   payload.Tools,
			Attempt: payload.Attempt,
		})
		if err != nil {
			return task.HandlerResult{}, err
		}
		return task.HandlerResult{Success: true, Data: resp}, nil
	})
}
