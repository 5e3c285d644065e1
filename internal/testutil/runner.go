package testutil

import (
	"context"
	"strings"
	"sync"
)

// Result 预设的命令结果
type Result struct {
	Output string
	Err    error
}

// FakeRunner 按命令行前缀返回预设结果并记录调用
type FakeRunner struct {
	mu      sync.Mutex
	Results map[string]Result
	Hook    func(name string, args []string) // 调用时执行，例如生成文件
	calls   []string
}

// Run 实现 system.Runner
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	f.mu.Lock()
	f.calls = append(f.calls, line)
	hook := f.Hook
	var (
		res   Result
		found bool
		best  int
	)
	for prefix, r := range f.Results {
		if strings.HasPrefix(line, prefix) && len(prefix) >= best {
			res, found, best = r, true, len(prefix)
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(name, args)
	}
	if !found {
		return nil, nil
	}
	return []byte(res.Output), res.Err
}

// Calls 返回已执行的命令行
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
