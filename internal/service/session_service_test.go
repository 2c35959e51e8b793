package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jar-analysis/jar-analysis-go/internal/archive"
	"github.com/jar-analysis/jar-analysis-go/internal/classfile"
	"github.com/jar-analysis/jar-analysis-go/internal/decompiler"
	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"github.com/jar-analysis/jar-analysis-go/internal/fixture"
	"github.com/jar-analysis/jar-analysis-go/internal/recovery"
	"github.com/jar-analysis/jar-analysis-go/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockDecompiler Mock 反编译器
type MockDecompiler struct {
	mock.Mock
}

func (m *MockDecompiler) Name() string {
	return "mock"
}

func (m *MockDecompiler) Decompile(ctx context.Context, classBytes []byte, classNameHint string, opts decompiler.Options) string {
	args := m.Called(ctx, classBytes, classNameHint, opts)
	return args.String(0)
}

// recordingPublisher 记录所有事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	svc        SessionService
	db         *gorm.DB
	decompiler *MockDecompiler
	events     *recordingPublisher
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, logger))

	d := new(MockDecompiler)
	events := &recordingPublisher{}
	svc := NewSessionService(Dependencies{
		Decompilers: decompiler.NewRegistry(d),
		Pipeline:    recovery.NewPipeline(recovery.NewZKMEngine()),
		Archives:    repository.NewArchiveRepository(db),
		Patches:     repository.NewPatchRepository(db),
		Reports:     repository.NewRecoveryReportRepository(db),
		Events:      events,
		Workers:     2,
		Logger:      logger,
	})
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return &testEnv{svc: svc, db: db, decompiler: d, events: events}
}

func (e *testEnv) open(t *testing.T) *Session {
	t.Helper()
	session, err := e.svc.Open(context.Background(), fixture.SampleJar(t))
	require.NoError(t, err)
	return session
}

func TestSessionService_OpenAndClose(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)

	assert.NotEmpty(t, session.ID)
	classes, err := env.svc.Classes(session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo.Plain", "demo.Secret"}, classes)

	record, err := repository.NewArchiveRepository(env.db).FindBySessionID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, record.ClassCount)
	assert.Equal(t, domain.SessionStatusOpen, record.Status)

	require.NoError(t, env.svc.Close(ctx, session.ID))
	record, err = repository.NewArchiveRepository(env.db).FindBySessionID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, record.Status)

	_, err = env.svc.Classes(session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
	assert.ErrorIs(t, env.svc.Close(ctx, session.ID), ErrSessionNotFound)

	assert.Equal(t, []EventType{EventOpened, EventClosed}, env.events.types())
}

func TestSessionService_OpenInvalidArchive(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Open(context.Background(), filepath.Join(t.TempDir(), "missing.jar"))
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrArchiveFormat)
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
	assert.Empty(t, env.svc.List())
}

func TestSessionService_ClassBytesNotFound(t *testing.T) {
	env := setupService(t)
	session := env.open(t)

	_, err := env.svc.ClassBytes(session.ID, "demo.Missing")
	assert.ErrorIs(t, err, archive.ErrClassNotFound)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestSessionService_ReplaceStringLiteralRedecompiles(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)

	env.decompiler.On("Decompile", mock.Anything, mock.Anything, "demo.Secret", mock.Anything).
		Return("/* Decompiled with mock */\nreturn \"secret\";").Once()
	env.decompiler.On("Decompile", mock.Anything, mock.Anything, "demo.Secret", mock.Anything).
		Return("/* Decompiled with mock */\nreturn \"public\";").Once()

	_, err := env.svc.Decompile(ctx, session.ID, "demo.Secret")
	require.NoError(t, err)

	record, err := env.svc.ReplaceStringLiteral(ctx, session.ID, "demo.Secret", "greet", "()Ljava/lang/String;", "secret", "public")
	require.NoError(t, err)
	assert.Equal(t, domain.PatchResultChanged, record.Result)
	assert.True(t, session.Index().HasOverlay("demo.Secret"))

	text, ok := session.Index().GetDecompiledText("demo.Secret")
	require.True(t, ok)
	assert.Contains(t, text, `"public"`, "cached text must follow the patched bytes")
	env.decompiler.AssertExpectations(t)

	listing, err := env.svc.Disassemble(session.ID, "demo.Secret")
	require.NoError(t, err)
	assert.Contains(t, listing, `"public"`)
	assert.NotContains(t, listing, `"secret"`)

	diff, err := env.svc.DiffClass(session.ID, "demo.Secret")
	require.NoError(t, err)
	assert.Contains(t, diff, "--- a/demo/Secret.class")
	assert.Contains(t, diff, `"secret"`)
	assert.Contains(t, diff, `"public"`)

	records, err := repository.NewPatchRepository(env.db).ListBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "public", records[0].NewValue)
}

func TestSessionService_PatchNoopLeavesBytes(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)

	before, err := env.svc.ClassBytes(session.ID, "demo.Secret")
	require.NoError(t, err)

	record, err := env.svc.ChangeMemberAccess(ctx, session.ID, "demo.Secret", "missing", "()V", classfile.AccPrivate)
	require.NoError(t, err)
	assert.Equal(t, domain.PatchResultNoop, record.Result)
	assert.False(t, session.Index().HasOverlay("demo.Secret"))

	after, err := env.svc.ClassBytes(session.ID, "demo.Secret")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	diff, err := env.svc.DiffClass(session.ID, "demo.Secret")
	require.NoError(t, err)
	assert.Empty(t, diff)
	env.decompiler.AssertNotCalled(t, "Decompile", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionService_PatchMalformedClass(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)
	session.Index().PutClassBytes("demo.Broken", []byte{0xCA, 0xFE})

	record, err := env.svc.AddField(ctx, session.ID, "demo.Broken", "x", "I", classfile.AccPrivate)
	require.Error(t, err)
	assert.ErrorIs(t, err, classfile.ErrMalformedClass)
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
	assert.Equal(t, domain.PatchResultFailed, record.Result)

	count, err := repository.NewPatchRepository(env.db).CountChanged(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSessionService_AddFieldValidation(t *testing.T) {
	env := setupService(t)
	session := env.open(t)

	_, err := env.svc.AddField(context.Background(), session.ID, "demo.Plain", "", "I", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestSessionService_AddMarkerMethodAndSave(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)

	record, err := env.svc.AddMarkerMethod(ctx, session.ID, "demo.Plain")
	require.NoError(t, err)
	assert.Equal(t, classfile.MarkerMethodName, record.Member)

	record, err = env.svc.AddMarkerMethod(ctx, session.ID, "demo.Plain")
	require.NoError(t, err)
	assert.Equal(t, classfile.MarkerMethodName+"$1", record.Member)

	out := filepath.Join(t.TempDir(), "patched.jar")
	require.NoError(t, env.svc.Save(ctx, session.ID, out))

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name != "demo/Plain.class" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		cf, err := classfile.Parse(b)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cf.FindMethod(classfile.MarkerMethodName+"$1", "()V"), 0)
	}
	assert.Equal(t, []string{"META-INF/MANIFEST.MF", "demo/Secret.class", "demo/Plain.class"}, names)

	saved, err := repository.NewArchiveRepository(env.db).FindBySessionID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusSaved, saved.Status)
	assert.Equal(t, 1, saved.PatchCount)

	assert.ErrorIs(t, env.svc.Save(ctx, session.ID, ""), ErrInvalidArgument)
}

func TestSessionService_ConcurrentPatchesAllApplied(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := env.svc.AddField(ctx, session.ID, "demo.Plain", fmt.Sprintf("f%d", i), "I", classfile.AccPublic)
			if err == nil && record.Result != domain.PatchResultChanged {
				err = fmt.Errorf("f%d: result %s", i, record.Result)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b, err := env.svc.ClassBytes(session.ID, "demo.Plain")
	require.NoError(t, err)
	cf, err := classfile.Parse(b)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		assert.GreaterOrEqual(t, cf.FindField(fmt.Sprintf("f%d", i), "I"), 0, "field f%d", i)
	}

	changed, err := repository.NewPatchRepository(env.db).CountChanged(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), changed)
}

func TestSessionService_PatchAfterCloseFails(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)
	require.NoError(t, env.svc.Close(ctx, session.ID))

	assert.ErrorIs(t, session.lockWrite(), ErrSessionNotFound)
	_, err := env.svc.AddMarkerMethod(ctx, session.ID, "demo.Plain")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionService_DecompileAllAndFindUsages(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)

	env.decompiler.On("Decompile", mock.Anything, mock.Anything, "demo.Plain", mock.Anything).
		Return("class Plain { Secret s; }")
	env.decompiler.On("Decompile", mock.Anything, mock.Anything, "demo.Secret", mock.Anything).
		Return("class Secret { String greet() { return \"secret\"; } }")

	n, err := env.svc.DecompileAll(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.svc.DecompileAll(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "cached classes are not decompiled again")

	matches, err := env.svc.FindUsages(ctx, session.ID, "Secret")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo.Plain", "demo.Secret"}, matches)

	matches, err = env.svc.FindUsages(ctx, session.ID, "greet")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo.Secret"}, matches)

	matches, err = env.svc.FindUsages(ctx, session.ID, "  ")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSessionService_DecompileFailureIsText(t *testing.T) {
	env := setupService(t)
	session := env.open(t)

	failure := decompiler.ErrorText(errors.New("boom"))
	env.decompiler.On("Decompile", mock.Anything, mock.Anything, "demo.Plain", mock.Anything).Return(failure)

	text, err := env.svc.Decompile(context.Background(), session.ID, "demo.Plain")
	require.NoError(t, err)
	assert.Equal(t, failure, text)

	cached, ok := session.Index().GetDecompiledText("demo.Plain")
	require.True(t, ok)
	assert.Equal(t, failure, cached)
}

func TestSessionService_Recover(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	session := env.open(t)

	text := "static final String KEY = b(\"#@!$\", 3);\nuse(KEY);"
	session.Index().PutDecompiledText("demo.Secret", text)

	res, err := env.svc.Recover(ctx, session.ID, "demo.Secret")
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, " C\"'", res.Findings[0].Plaintext)
	assert.True(t, strings.HasPrefix(res.Text, "/* [!] ZKM string recovery applied"))

	cached, _ := session.Index().GetDecompiledText("demo.Secret")
	assert.Equal(t, text, cached, "recovery annotates a copy, not the cache")

	report, err := repository.NewRecoveryReportRepository(env.db).FindByClass(ctx, session.ID, "demo.Secret")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FindingCount)
	assert.Equal(t, "zkm", report.Engines)
	assert.Contains(t, report.FindingsJSON, `"variable":"KEY"`)
}

func TestSessionService_RecoverDecompilesFirst(t *testing.T) {
	env := setupService(t)
	session := env.open(t)

	env.decompiler.On("Decompile", mock.Anything, mock.Anything, "demo.Plain", mock.Anything).
		Return("class Plain {}").Once()

	res, err := env.svc.Recover(context.Background(), session.ID, "demo.Plain")
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, "class Plain {}", res.Text)
	env.decompiler.AssertExpectations(t)
}

func TestSessionService_DiffNewClass(t *testing.T) {
	env := setupService(t)
	session := env.open(t)
	session.Index().PutClassBytes("demo.Added", fixture.Class(t, "demo/Added"))

	diff, err := env.svc.DiffClass(session.ID, "demo.Added")
	require.NoError(t, err)
	assert.Contains(t, diff, "+class demo/Added")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("disk full")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(&archive.IOError{Op: "write", Path: "x", Err: errors.New("disk full")}))
}
