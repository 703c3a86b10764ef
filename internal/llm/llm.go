package llm

import "context"

// Request 描述一次作业尝试发送给大模型的内容。
type Request struct {
	Task    string
	Role    string
	Tools   []string
	Attempt int
}

// Response 是大模型的结构化输出。
type Response struct {
	Thought string `json:"thought,omitempty"`
	Reply   string `json:"reply"`
	Model   string `json:"model,omitempty"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
