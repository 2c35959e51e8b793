package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jar-analysis/jar-analysis-go/internal/archive"
	"github.com/jar-analysis/jar-analysis-go/internal/classfile"
	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"github.com/jar-analysis/jar-analysis-go/internal/recovery"
	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSessionService Mock Service；未覆盖的方法调用时会 panic
type MockSessionService struct {
	mock.Mock
	service.SessionService
}

func (m *MockSessionService) Classes(id string) ([]string, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockSessionService) ChangeMemberAccess(ctx context.Context, id, className, memberName, descriptor string, accessFlags uint16) (*domain.PatchRecord, error) {
	args := m.Called(id, className, memberName, descriptor, accessFlags)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PatchRecord), args.Error(1)
}

func (m *MockSessionService) Recover(ctx context.Context, id, className string) (*recovery.Result, error) {
	args := m.Called(id, className)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*recovery.Result), args.Error(1)
}

func (m *MockSessionService) FindUsages(ctx context.Context, id, term string) ([]string, error) {
	args := m.Called(id, term)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func setupHandler() (*SessionHandler, *MockSessionService, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	svc := new(MockSessionService)
	h := NewSessionHandler(svc, logger)
	r := gin.New()
	r.GET("/api/sessions/:id/classes", h.Classes)
	r.GET("/api/sessions/:id/usages", h.Usages)
	r.POST("/api/sessions/:id/classes/:name/patch", h.Patch)
	r.POST("/api/sessions/:id/classes/:name/recover", h.Recover)
	return h, svc, r
}

func TestSessionHandler_ClassesErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"session missing", fmt.Errorf("%w: s1", service.ErrSessionNotFound), http.StatusNotFound},
		{"class missing", &archive.ClassNotFoundError{Name: "a.B"}, http.StatusNotFound},
		{"malformed", fmt.Errorf("patch: %w", classfile.ErrMalformedClass), http.StatusUnprocessableEntity},
		{"archive format", &archive.ArchiveFormatError{Path: "x.jar", Err: errors.New("zip: not a valid zip file")}, http.StatusUnprocessableEntity},
		{"io", &archive.IOError{Op: "read", Path: "x.jar", Err: errors.New("EIO")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, svc, r := setupHandler()
			svc.On("Classes", "s1").Return(nil, tt.err)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/classes", nil))

			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
			svc.AssertExpectations(t)
		})
	}
}

func TestSessionHandler_PatchChangeAccess(t *testing.T) {
	_, svc, r := setupHandler()
	record := &domain.PatchRecord{
		SessionID: "s1", ClassName: "a.B", Op: domain.PatchOpChangeAccess,
		Result: domain.PatchResultNoop, Member: "run", Descriptor: "()V", Flags: 0x0002,
	}
	svc.On("ChangeMemberAccess", "s1", "a.B", "run", "()V", uint16(0x0002)).Return(record, nil)

	body, _ := json.Marshal(PatchRequest{Op: domain.PatchOpChangeAccess, Member: "run", Descriptor: "()V", Access: 0x0002})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/classes/a.B/patch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got domain.PatchRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, domain.PatchResultNoop, got.Result)
	svc.AssertExpectations(t)
}

func TestSessionHandler_Recover(t *testing.T) {
	_, svc, r := setupHandler()
	svc.On("Recover", "s1", "a.B").Return(&recovery.Result{
		Text:     "annotated",
		Findings: []recovery.Finding{{Engine: "zkm", Variable: "k", Plaintext: "hi"}},
		Counts:   map[string]int{"zkm": 1},
	}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/classes/a.B/recover", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"plaintext":"hi"`)
	assert.Contains(t, w.Body.String(), `"counts":{"zkm":1}`)
}

func TestSessionHandler_Usages(t *testing.T) {
	_, svc, r := setupHandler()
	svc.On("FindUsages", "s1", "Foo").Return([]string{"a.A", "a.B"}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/usages?term=Foo", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"term":"Foo","classes":["a.A","a.B"],"total":2}`, w.Body.String())
}

func TestEventHub_PublishWithoutSubscribers(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	hub := NewEventHub(logger)

	hub.Publish(service.Event{Type: service.EventOpened, SessionID: "s1"})
	assert.Zero(t, hub.Subscribers("s1"))
}
