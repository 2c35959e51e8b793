package recovery

import (
	"fmt"
	"strings"
)

// Pipeline 按注册顺序运行多个引擎，合并结果后统一标注
type Pipeline struct {
	engines []Engine
}

// NewPipeline 创建流水线
func NewPipeline(engines ...Engine) *Pipeline {
	return &Pipeline{engines: append([]Engine(nil), engines...)}
}

// DefaultPipeline ZKM 与 Allatori 两个引擎
func DefaultPipeline() *Pipeline {
	return NewPipeline(NewZKMEngine(), NewAllatoriEngine())
}

// Register 注册引擎
func (p *Pipeline) Register(e Engine) {
	p.engines = append(p.engines, e)
}

// Engines 已注册引擎名
func (p *Pipeline) Engines() []string {
	names := make([]string, len(p.engines))
	for i, e := range p.engines {
		names[i] = e.Name()
	}
	return names
}

// Select 只保留指定名称的引擎（顺序按 names），名称不区分大小写；空列表返回全部
func (p *Pipeline) Select(names ...string) (*Pipeline, error) {
	if len(names) == 0 {
		return NewPipeline(p.engines...), nil
	}
	out := &Pipeline{}
	for _, name := range names {
		var found Engine
		for _, e := range p.engines {
			if strings.EqualFold(e.Name(), strings.TrimSpace(name)) {
				found = e
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("unknown recovery engine %q (available: %s)", name, strings.Join(p.Engines(), ", "))
		}
		out.engines = append(out.engines, found)
	}
	return out, nil
}

// Process 运行所有引擎。任何引擎 panic 时返回原文本且无结果。
func (p *Pipeline) Process(text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Text: text, Findings: []Finding{}, Counts: map[string]int{}}
		}
	}()

	res = Result{Findings: []Finding{}, Counts: make(map[string]int, len(p.engines))}
	titles := make([]string, len(p.engines))
	counts := make([]int, len(p.engines))
	for i, e := range p.engines {
		found := e.Scan(text)
		titles[i] = e.Title()
		counts[i] = len(found)
		res.Counts[e.Name()] = len(found)
		res.Findings = append(res.Findings, found...)
	}
	if len(res.Findings) == 0 {
		res.Text = text
		return res
	}
	res.Text = Banner(titles, counts) + Annotate(text, res.Findings)
	return res
}

// Process 单引擎处理
func Process(e Engine, text string) Result {
	return NewPipeline(e).Process(text)
}
