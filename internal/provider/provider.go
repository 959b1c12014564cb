// Package provider 封装外部的向量/补全服务商
//
// 核心管线只依赖Embedder与Completer两个能力接口，真实客户端
// 在进程启动时构造一次并按引用注入，测试中用替身实现。
// 服务商的瞬时失败（限流、超时、5xx）以ErrTransient标记，
// 调用方按"无结果"处理而不是向上传播。
package provider

import (
	"context"
	"errors"
)

// ErrTransient 服务商瞬时失败，捕获、记日志、按无结果处理
var ErrTransient = errors.New("provider: transient failure")

// IsTransient 判断错误是否为服务商瞬时失败
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Embedder 文本向量化能力
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer 文本补全能力
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
