// Package protocol 提供任务队列使用的具体协议处理器，
// 把作业尝试桥接到运行时注册表等执行后端。
package protocol
