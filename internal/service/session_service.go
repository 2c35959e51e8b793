package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jar-analysis/jar-analysis-go/internal/archive"
	"github.com/jar-analysis/jar-analysis-go/internal/decompiler"
	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"github.com/jar-analysis/jar-analysis-go/internal/recovery"
	"github.com/jar-analysis/jar-analysis-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// SessionService 归档会话服务：打开归档、反编译、改写、搜索、还原、保存
type SessionService interface {
	// 会话生命周期
	Open(ctx context.Context, path string) (*Session, error)
	Get(id string) (*Session, error)
	List() []*Session
	Close(ctx context.Context, id string) error
	Shutdown(ctx context.Context)

	// 类访问
	Classes(id string) ([]string, error)
	ClassBytes(id, className string) ([]byte, error)

	// 反编译
	Decompile(ctx context.Context, id, className string) (string, error)
	DecompileAll(ctx context.Context, id string) (int, error)

	// 改写
	AddField(ctx context.Context, id, className, fieldName, descriptor string, accessFlags uint16) (*domain.PatchRecord, error)
	AddMarkerMethod(ctx context.Context, id, className string) (*domain.PatchRecord, error)
	ChangeMemberAccess(ctx context.Context, id, className, memberName, descriptor string, accessFlags uint16) (*domain.PatchRecord, error)
	ReplaceStringLiteral(ctx context.Context, id, className, methodName, methodDescriptor, oldLiteral, newLiteral string) (*domain.PatchRecord, error)

	// 分析
	FindUsages(ctx context.Context, id, term string) ([]string, error)
	Recover(ctx context.Context, id, className string) (*recovery.Result, error)
	Disassemble(id, className string) (string, error)
	DiffClass(id, className string) (string, error)

	// 保存
	Save(ctx context.Context, id, outputPath string) error
}

// Session 一个打开的归档
type Session struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	OpenedAt time.Time `json:"opened_at"`

	index *archive.Index

	// writeMu 串行化 overlay 的读-改-写、保存与关闭
	writeMu sync.Mutex
	closed  bool
}

// lockWrite 获取会话写锁；会话已关闭时返回 ErrSessionNotFound
func (s *Session) lockWrite() error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
	}
	return nil
}

// Index 会话持有的归档索引
func (s *Session) Index() *archive.Index {
	return s.index
}

// Dependencies SessionService 的依赖；Metrics 与 Events 可为空
type Dependencies struct {
	Decompilers *decompiler.Registry
	Pipeline    *recovery.Pipeline
	Archives    repository.ArchiveRepository
	Patches     repository.PatchRepository
	Reports     repository.RecoveryReportRepository
	Metrics     Metrics
	Events      EventPublisher
	Workers     int // DecompileAll 与 FindUsages 的并发度
	Logger      *logrus.Logger
}

type sessionService struct {
	decompilers *decompiler.Registry
	pipeline    *recovery.Pipeline
	archives    repository.ArchiveRepository
	patches     repository.PatchRepository
	reports     repository.RecoveryReportRepository
	metrics     Metrics
	events      EventPublisher
	workers     int
	logger      *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionService 创建会话服务
func NewSessionService(deps Dependencies) SessionService {
	s := &sessionService{
		decompilers: deps.Decompilers,
		pipeline:    deps.Pipeline,
		archives:    deps.Archives,
		patches:     deps.Patches,
		reports:     deps.Reports,
		metrics:     deps.Metrics,
		events:      deps.Events,
		workers:     deps.Workers,
		logger:      deps.Logger,
		sessions:    make(map[string]*Session),
	}
	if s.decompilers == nil {
		s.decompilers = decompiler.NewRegistry()
	}
	if s.pipeline == nil {
		s.pipeline = recovery.DefaultPipeline()
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	return s
}

func (s *sessionService) publish(t EventType, sessionID, className string, data map[string]interface{}) {
	s.events.Publish(Event{
		Type:      t,
		SessionID: sessionID,
		Class:     className,
		Data:      data,
		Time:      time.Now().UTC(),
	})
}

func (s *sessionService) Open(ctx context.Context, path string) (*Session, error) {
	idx, err := archive.Open(ctx, path, s.logger)
	s.metrics.RecordArchiveOpened(err)
	if err != nil {
		s.logger.WithError(err).WithField("path", path).Error("Failed to open archive")
		return nil, err
	}

	session := &Session{
		ID:       uuid.New().String(),
		Path:     path,
		OpenedAt: time.Now().UTC(),
		index:    idx,
	}
	classCount := len(idx.ListClassNames())

	if err := s.archives.Create(ctx, &domain.ArchiveRecord{
		SessionID:  session.ID,
		Path:       path,
		ClassCount: classCount,
		Status:     domain.SessionStatusOpen,
		OpenedAt:   session.OpenedAt,
	}); err != nil {
		idx.Close()
		s.metrics.RecordSessionClosed()
		s.logger.WithError(err).WithField("path", path).Error("Failed to record archive session")
		return nil, fmt.Errorf("record session: %w", err)
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"path":       path,
		"classes":    classCount,
	}).Info("Session opened")
	s.publish(EventOpened, session.ID, "", map[string]interface{}{"path": path, "classes": classCount})
	return session, nil
}

func (s *sessionService) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, nil
}

// List 按打开时间排序
func (s *sessionService) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *sessionService) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	session.writeMu.Lock()
	session.closed = true
	closeErr := session.index.Close()
	session.writeMu.Unlock()
	s.metrics.RecordSessionClosed()
	if err := s.archives.MarkClosed(ctx, id); err != nil {
		s.logger.WithError(err).WithField("session_id", id).Warn("Failed to mark session closed")
	}

	s.logger.WithField("session_id", id).Info("Session closed")
	s.publish(EventClosed, id, "", nil)
	return closeErr
}

// Shutdown 关闭所有会话
func (s *sessionService) Shutdown(ctx context.Context) {
	for _, session := range s.List() {
		if err := s.Close(ctx, session.ID); err != nil {
			s.logger.WithError(err).WithField("session_id", session.ID).Warn("Failed to close session")
		}
	}
}

func (s *sessionService) Classes(id string) ([]string, error) {
	session, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return session.index.ListClassNames(), nil
}

func (s *sessionService) ClassBytes(id, className string) ([]byte, error) {
	session, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return s.classBytes(session, className)
}

func (s *sessionService) classBytes(session *Session, className string) ([]byte, error) {
	b, source, err := session.index.ClassBytes(className)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordClassRead(string(source))
	return b, nil
}

func (s *sessionService) Save(ctx context.Context, id, outputPath string) error {
	session, err := s.Get(id)
	if err != nil {
		return err
	}
	if outputPath == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidArgument)
	}
	if err := session.lockWrite(); err != nil {
		return err
	}
	defer session.writeMu.Unlock()

	if err := session.index.SaveTo(outputPath); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": id,
			"output":     outputPath,
		}).Error("Failed to save archive")
		return err
	}

	patched := len(session.index.OverlayNames())
	if err := s.archives.MarkSaved(ctx, id, outputPath, patched); err != nil {
		s.logger.WithError(err).WithField("session_id", id).Warn("Failed to record save")
	}
	s.publish(EventSaved, id, "", map[string]interface{}{"output": outputPath, "patched_classes": patched})
	return nil
}
