package decompiler

import (
	"fmt"

	"github.com/jar-analysis/jar-analysis-go/internal/config"
	"github.com/sirupsen/logrus"
)

// NewRegistryFromConfig 按配置顺序注册外部命令反编译器，第一个为默认
func NewRegistryFromConfig(cfg config.DecompilerConfig, logger *logrus.Logger) (*Registry, error) {
	r := NewRegistry()
	for i, e := range cfg.Engines {
		if e.Name == "" || e.Command == "" {
			return nil, fmt.Errorf("decompiler engine #%d: name and command are required", i)
		}
		r.Register(NewCommandDecompiler(CommandConfig{
			Name:    e.Name,
			Command: e.Command,
			Args:    e.Args,
			Options: Options(e.Options),
			Timeout: e.TimeoutDuration(),
		}, logger))
	}
	logger.WithField("engines", r.Names()).Debug("Decompilers registered")
	return r, nil
}
