package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/jar-analysis/jar-analysis-go/internal/classfile"
	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// transform 在解析后的模型上做一次改写，返回新模型与是否有变化
type transform func(cf *classfile.ClassFile) (*classfile.ClassFile, bool, error)

func (s *sessionService) AddField(ctx context.Context, id, className, fieldName, descriptor string, accessFlags uint16) (*domain.PatchRecord, error) {
	if strings.TrimSpace(fieldName) == "" || strings.TrimSpace(descriptor) == "" {
		return nil, fmt.Errorf("%w: field name and descriptor are required", ErrInvalidArgument)
	}
	record := &domain.PatchRecord{
		Op:         domain.PatchOpAddField,
		Member:     fieldName,
		Descriptor: descriptor,
		Flags:      int(accessFlags),
	}
	return s.applyPatch(ctx, id, className, record, func(cf *classfile.ClassFile) (*classfile.ClassFile, bool, error) {
		out, err := classfile.WithField(cf, fieldName, descriptor, accessFlags)
		return out, err == nil, err
	})
}

func (s *sessionService) AddMarkerMethod(ctx context.Context, id, className string) (*domain.PatchRecord, error) {
	record := &domain.PatchRecord{
		Op:         domain.PatchOpAddMethod,
		Descriptor: "()V",
		Flags:      int(classfile.AccPublic),
	}
	return s.applyPatch(ctx, id, className, record, func(cf *classfile.ClassFile) (*classfile.ClassFile, bool, error) {
		out, err := classfile.WithMarkerMethod(cf)
		if err != nil {
			return nil, false, err
		}
		// 新方法追加在末尾
		record.Member, _ = out.MemberName(out.Methods[len(out.Methods)-1])
		return out, true, nil
	})
}

func (s *sessionService) ChangeMemberAccess(ctx context.Context, id, className, memberName, descriptor string, accessFlags uint16) (*domain.PatchRecord, error) {
	record := &domain.PatchRecord{
		Op:         domain.PatchOpChangeAccess,
		Member:     memberName,
		Descriptor: descriptor,
		Flags:      int(accessFlags),
	}
	return s.applyPatch(ctx, id, className, record, func(cf *classfile.ClassFile) (*classfile.ClassFile, bool, error) {
		out, changed := classfile.WithMethodAccess(cf, memberName, descriptor, accessFlags)
		return out, changed, nil
	})
}

func (s *sessionService) ReplaceStringLiteral(ctx context.Context, id, className, methodName, methodDescriptor, oldLiteral, newLiteral string) (*domain.PatchRecord, error) {
	record := &domain.PatchRecord{
		Op:         domain.PatchOpReplaceLiteral,
		Member:     methodName,
		Descriptor: methodDescriptor,
		OldValue:   oldLiteral,
		NewValue:   newLiteral,
	}
	return s.applyPatch(ctx, id, className, record, func(cf *classfile.ClassFile) (*classfile.ClassFile, bool, error) {
		return classfile.WithStringLiteral(cf, methodName, methodDescriptor, oldLiteral, newLiteral)
	})
}

// applyPatch 取当前字节 -> 改写 -> 写入 overlay -> 记录 -> 已缓存文本时重新反编译。
// 目标不存在时字节保持不变，记录为 noop。整个过程持有会话写锁。
func (s *sessionService) applyPatch(ctx context.Context, id, className string, record *domain.PatchRecord, fn transform) (*domain.PatchRecord, error) {
	session, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	record.SessionID = id
	record.ClassName = className

	fields := logrus.Fields{
		"session_id": id,
		"class":      className,
		"op":         record.Op,
	}

	if err := session.lockWrite(); err != nil {
		return nil, err
	}
	defer session.writeMu.Unlock()

	current, err := s.classBytes(session, className)
	if err != nil {
		return nil, err
	}

	out, changed, err := patchBytes(current, fn)
	if err != nil {
		record.Result = domain.PatchResultFailed
		record.Error = err.Error()
		s.savePatchRecord(ctx, record)
		s.metrics.RecordPatch(string(record.Op), string(record.Result))
		s.logger.WithError(err).WithFields(fields).Warn("Patch failed")
		return record, err
	}

	record.Result = domain.PatchResultNoop
	if changed {
		record.Result = domain.PatchResultChanged
		session.index.PutClassBytes(className, out)
	}
	s.savePatchRecord(ctx, record)
	s.metrics.RecordPatch(string(record.Op), string(record.Result))
	s.logger.WithFields(fields).WithField("result", record.Result).Info("Patch applied")

	if changed {
		if _, cached := session.index.GetDecompiledText(className); cached {
			if _, err := s.decompile(ctx, session, className); err != nil {
				s.logger.WithError(err).WithFields(fields).Warn("Re-decompilation after patch failed")
			}
		}
	}

	s.publish(EventPatched, id, className, map[string]interface{}{
		"op":     record.Op,
		"result": record.Result,
		"member": record.Member,
	})
	return record, nil
}

func patchBytes(current []byte, fn transform) ([]byte, bool, error) {
	cf, err := classfile.Parse(current)
	if err != nil {
		return nil, false, err
	}
	out, changed, err := fn(cf)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return current, false, nil
	}
	return out.Bytes(), true, nil
}

func (s *sessionService) savePatchRecord(ctx context.Context, record *domain.PatchRecord) {
	if err := s.patches.Create(ctx, record); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": record.SessionID,
			"class":      record.ClassName,
		}).Warn("Failed to record patch")
	}
}
