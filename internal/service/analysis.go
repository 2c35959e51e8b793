package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jar-analysis/jar-analysis-go/internal/archive"
	"github.com/jar-analysis/jar-analysis-go/internal/classfile"
	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"github.com/jar-analysis/jar-analysis-go/internal/recovery"
	"github.com/jar-analysis/jar-analysis-go/internal/usage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const decompileErrorPrefix = "/* Decompilation error:"

// Decompile 反编译类的当前字节（含 overlay）并缓存文本
func (s *sessionService) Decompile(ctx context.Context, id, className string) (string, error) {
	session, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return s.decompile(ctx, session, className)
}

func (s *sessionService) decompile(ctx context.Context, session *Session, className string) (string, error) {
	d, err := s.decompilers.Get("")
	if err != nil {
		return "", err
	}
	b, err := s.classBytes(session, className)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text := d.Decompile(ctx, b, className, nil)
	failed := strings.HasPrefix(text, decompileErrorPrefix)
	s.metrics.RecordDecompilation(d.Name(), failed, time.Since(start))

	session.index.PutDecompiledText(className, text)
	s.publish(EventDecompiled, session.ID, className, map[string]interface{}{
		"engine": d.Name(),
		"failed": failed,
	})
	return text, nil
}

// DecompileAll 反编译所有尚未缓存文本的类，返回本次反编译的数量
func (s *sessionService) DecompileAll(ctx context.Context, id string) (int, error) {
	session, err := s.Get(id)
	if err != nil {
		return 0, err
	}

	var pending []string
	for _, name := range session.index.ListClassNames() {
		if _, ok := session.index.GetDecompiledText(name); !ok {
			pending = append(pending, name)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, name := range pending {
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.decompile(gctx, session, name)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": id,
		"classes":    len(pending),
		"duration":   time.Since(start).String(),
	}).Info("Archive decompiled")
	return len(pending), nil
}

// FindUsages 在已缓存的反编译文本中搜索 term
func (s *sessionService) FindUsages(ctx context.Context, id, term string) ([]string, error) {
	session, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	matches, err := usage.FindUsagesParallel(ctx, term, session.index.DecompiledTexts(), s.workers)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordUsageSearch(len(matches), time.Since(start))
	return matches, nil
}

// Recover 对类的反编译文本运行字符串还原流水线；没有缓存文本时先反编译
func (s *sessionService) Recover(ctx context.Context, id, className string) (*recovery.Result, error) {
	session, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	text, ok := session.index.GetDecompiledText(className)
	if !ok {
		if text, err = s.decompile(ctx, session, className); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	res := s.pipeline.Process(text)
	duration := time.Since(start)
	s.metrics.RecordRecovery(res.Counts)

	findingsJSON, err := json.Marshal(res.Findings)
	if err != nil {
		return nil, fmt.Errorf("encode findings: %w", err)
	}
	report := &domain.RecoveryReport{
		SessionID:    id,
		ClassName:    className,
		Engines:      strings.Join(s.pipeline.Engines(), ","),
		FindingCount: len(res.Findings),
		Changed:      res.Changed(),
		FindingsJSON: string(findingsJSON),
		DurationMs:   duration.Milliseconds(),
	}
	if err := s.reports.Upsert(ctx, report); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": id,
			"class":      className,
		}).Warn("Failed to record recovery report")
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": id,
		"class":      className,
		"findings":   len(res.Findings),
	}).Info("String recovery completed")
	s.publish(EventRecovered, id, className, map[string]interface{}{"counts": res.Counts})
	return &res, nil
}

// Disassemble 类当前字节的反汇编
func (s *sessionService) Disassemble(id, className string) (string, error) {
	session, err := s.Get(id)
	if err != nil {
		return "", err
	}
	b, err := s.classBytes(session, className)
	if err != nil {
		return "", err
	}
	return classfile.Disassemble(b)
}

// DiffClass 归档中原始字节与当前字节的反汇编差异；未修改时为空
func (s *sessionService) DiffClass(id, className string) (string, error) {
	session, err := s.Get(id)
	if err != nil {
		return "", err
	}
	current, err := s.classBytes(session, className)
	if err != nil {
		return "", err
	}
	to, err := classfile.Disassemble(current)
	if err != nil {
		return "", err
	}

	from := ""
	stored, err := readStored(session.index, className)
	switch {
	case err == nil:
		if from, err = classfile.Disassemble(stored); err != nil {
			return "", err
		}
	case errors.Is(err, archive.ErrClassNotFound):
		// 新增的类，原始侧为空
	default:
		return "", err
	}

	entry := archive.ClassNameToEntry(className)
	return classfile.DiffListings("a/"+entry, "b/"+entry, from, to)
}

func readStored(idx *archive.Index, className string) ([]byte, error) {
	rc, err := idx.OpenClassStream(className)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, &archive.IOError{Op: "read", Path: idx.Path(), Err: err}
	}
	return b, nil
}
