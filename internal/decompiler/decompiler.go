// Package decompiler 把类字节交给外部反编译器并取回源码文本。
//
// 反编译失败（找不到命令、退出码非零、超时）不会返回 error，而是以
// "/* Decompilation error: ... */" 形式的文本返回，调用方照常缓存。
package decompiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// 参数模板中的占位符
const (
	PlaceholderFile   = "{file}"
	PlaceholderOutDir = "{outdir}"
	PlaceholderClass  = "{class}"
)

// Options 反编译选项，按 --key value 追加到命令行
type Options map[string]string

// Merge 返回 o 与 override 合并后的新选项，override 优先
func (o Options) Merge(override Options) Options {
	out := make(Options, len(o)+len(override))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// args 按 key 排序，保证命令行稳定
func (o Options) args() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, "--"+k, o[k])
	}
	return out
}

// CFRDefaults CFR 的默认选项
func CFRDefaults() Options {
	return Options{
		"showversion":        "false",
		"hidebridgemethods":  "true",
		"hidelongstrings":    "true",
		"decodestringswitch": "true",
		"sugarenums":         "true",
		"decodelambdas":      "true",
		"comments":           "true",
	}
}

// Decompiler 反编译器
type Decompiler interface {
	Name() string
	// Decompile 总是返回文本；失败时文本中包含错误说明
	Decompile(ctx context.Context, classBytes []byte, classNameHint string, opts Options) string
}

// CommandDecompiler 通过外部进程反编译（如 java -jar cfr.jar {file} --outputdir {outdir}）
type CommandDecompiler struct {
	name     string
	command  string
	args     []string
	defaults Options
	timeout  time.Duration
	logger   *logrus.Logger
}

// CommandConfig 外部反编译器配置
type CommandConfig struct {
	Name    string
	Command string
	Args    []string
	Options Options
	Timeout time.Duration
}

// NewCommandDecompiler 创建外部命令反编译器
func NewCommandDecompiler(cfg CommandConfig, logger *logrus.Logger) *CommandDecompiler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{PlaceholderFile}
	}
	return &CommandDecompiler{
		name:     cfg.Name,
		command:  cfg.Command,
		args:     cfg.Args,
		defaults: cfg.Options,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Name 反编译器名
func (d *CommandDecompiler) Name() string {
	return d.name
}

// Banner 成功输出前的标注行
func Banner(engine string) string {
	return fmt.Sprintf("/* Decompiled with %s */\n", engine)
}

// ErrorText 失败时返回的文本
func ErrorText(err error) string {
	msg := strings.ReplaceAll(err.Error(), "*/", `*\/`)
	return "/* Decompilation error:\n" + msg + "\n*/"
}

// Decompile 把类写到临时目录后运行外部命令
func (d *CommandDecompiler) Decompile(ctx context.Context, classBytes []byte, classNameHint string, opts Options) string {
	start := time.Now()
	text, err := d.run(ctx, classBytes, classNameHint, d.defaults.Merge(opts))
	fields := logrus.Fields{
		"decompiler": d.name,
		"class":      classNameHint,
		"duration":   time.Since(start).String(),
	}
	if err != nil {
		d.logger.WithFields(fields).WithError(err).Warn("Decompilation failed")
		return ErrorText(err)
	}
	d.logger.WithFields(fields).Debug("Class decompiled")
	return Banner(d.name) + text
}

func (d *CommandDecompiler) run(ctx context.Context, classBytes []byte, className string, opts Options) (string, error) {
	workDir, err := os.MkdirTemp("", "decompile-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	internal := strings.ReplaceAll(className, ".", "/")
	if internal == "" {
		internal = "Unknown"
	}
	classFile := filepath.Join(workDir, "in", filepath.FromSlash(internal)+".class")
	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(filepath.Dir(classFile), 0o755); err != nil {
		return "", fmt.Errorf("create class dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(classFile, classBytes, 0o644); err != nil {
		return "", fmt.Errorf("write class file: %w", err)
	}

	usesOutDir := false
	args := make([]string, 0, len(d.args)+len(opts)*2)
	for _, a := range d.args {
		if strings.Contains(a, PlaceholderOutDir) {
			usesOutDir = true
		}
		a = strings.ReplaceAll(a, PlaceholderFile, classFile)
		a = strings.ReplaceAll(a, PlaceholderOutDir, outDir)
		a = strings.ReplaceAll(a, PlaceholderClass, className)
		args = append(args, a)
	}
	args = append(args, opts.args()...)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.command, args...)
	cmd.Dir = workDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s timed out after %s", d.name, d.timeout)
		}
		if tail := lastLines(stderr.String(), 20); tail != "" {
			return "", fmt.Errorf("%s: %w\n%s", d.name, err, tail)
		}
		return "", fmt.Errorf("%s: %w", d.name, err)
	}

	if usesOutDir {
		src, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(internal)+".java"))
		if err == nil {
			return string(src), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read output: %w", err)
		}
	}
	if stdout.Len() == 0 {
		return "", fmt.Errorf("%s produced no output", d.name)
	}
	return stdout.String(), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Registry 按名称管理多个反编译器
type Registry struct {
	decompilers map[string]Decompiler
	order       []string
}

// NewRegistry 创建注册表，第一个注册的为默认反编译器
func NewRegistry(ds ...Decompiler) *Registry {
	r := &Registry{decompilers: make(map[string]Decompiler)}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register 注册反编译器，同名覆盖
func (r *Registry) Register(d Decompiler) {
	if _, ok := r.decompilers[d.Name()]; !ok {
		r.order = append(r.order, d.Name())
	}
	r.decompilers[d.Name()] = d
}

// Get 按名称获取；name 为空时返回默认
func (r *Registry) Get(name string) (Decompiler, error) {
	if name == "" {
		if len(r.order) == 0 {
			return nil, errors.New("no decompiler configured")
		}
		name = r.order[0]
	}
	d, ok := r.decompilers[name]
	if !ok {
		return nil, fmt.Errorf("unknown decompiler %q (available: %s)", name, strings.Join(r.order, ", "))
	}
	return d, nil
}

// Names 已注册的名称
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
