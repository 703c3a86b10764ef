package runtime

import (
	"bytes"
	"sync"
)

// MaxOutputBytes 是单次执行保留的最大输出字节数。
const MaxOutputBytes = 1 << 20

const truncatedMarker = "\n...[output truncated]"

// OutputBuffer 是并发安全、有容量上限的输出缓冲区，超出部分被丢弃。
type OutputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewOutputBuffer 创建上限为 limit 字节的缓冲区，limit <= 0 时使用 MaxOutputBytes。
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	return &OutputBuffer{limit: limit}
}

// Write 总是报告写入了全部字节，避免被执行的代码因输出过多而失败。
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}

// Truncated 报告是否发生过截断。
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
