package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/sirupsen/logrus"
)

// SessionHandler 归档会话处理器
type SessionHandler struct {
	sessions service.SessionService
	logger   *logrus.Logger
}

// NewSessionHandler 创建会话处理器实例
func NewSessionHandler(sessions service.SessionService, logger *logrus.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// OpenRequest 打开归档请求
type OpenRequest struct {
	Path string `json:"path" binding:"required"`
}

// SaveRequest 保存归档请求
type SaveRequest struct {
	Output string `json:"output" binding:"required"`
}

// PatchRequest 改写请求，字段按 op 取用
type PatchRequest struct {
	Op         domain.PatchOp `json:"op" binding:"required"`
	Member     string         `json:"member"`     // add_field / change_access / replace_literal(方法名)
	Descriptor string         `json:"descriptor"` // 字段或方法描述符
	Access     uint16         `json:"access"`     // add_field / change_access
	Old        string         `json:"old"`        // replace_literal
	New        string         `json:"new"`        // replace_literal
}

// fail 按服务层错误类型返回状态码
func (h *SessionHandler) fail(c *gin.Context, err error) {
	status := service.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}

// Open 打开归档
// POST /api/sessions {"path": "/data/app.jar"}
func (h *SessionHandler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.sessions.Open(c.Request.Context(), req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	classes, _ := h.sessions.Classes(session.ID)
	c.JSON(http.StatusCreated, gin.H{
		"session":     session,
		"class_count": len(classes),
	})
}

// List 当前打开的会话
// GET /api/sessions
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.sessions.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// Close 关闭会话
// DELETE /api/sessions/:id
func (h *SessionHandler) Close(c *gin.Context) {
	if err := h.sessions.Close(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Classes 类列表
// GET /api/sessions/:id/classes
func (h *SessionHandler) Classes(c *gin.Context) {
	classes, err := h.sessions.Classes(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"classes": classes,
		"total":   len(classes),
	})
}

// Source 反编译文本，已缓存时直接返回
// GET /api/sessions/:id/classes/:name/source?refresh=true
func (h *SessionHandler) Source(c *gin.Context) {
	id, name := c.Param("id"), c.Param("name")
	refresh, _ := strconv.ParseBool(c.Query("refresh"))

	if !refresh {
		session, err := h.sessions.Get(id)
		if err != nil {
			h.fail(c, err)
			return
		}
		if text, ok := session.Index().GetDecompiledText(name); ok {
			c.String(http.StatusOK, text)
			return
		}
	}

	text, err := h.sessions.Decompile(c.Request.Context(), id, name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.String(http.StatusOK, text)
}

// Disassemble 当前字节的反汇编清单
// GET /api/sessions/:id/classes/:name/disasm
func (h *SessionHandler) Disassemble(c *gin.Context) {
	listing, err := h.sessions.Disassemble(c.Param("id"), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.String(http.StatusOK, listing)
}

// Diff 原始字节与当前字节的差异
// GET /api/sessions/:id/classes/:name/diff
func (h *SessionHandler) Diff(c *gin.Context) {
	diff, err := h.sessions.DiffClass(c.Param("id"), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.String(http.StatusOK, diff)
}

// Recover 字符串还原
// POST /api/sessions/:id/classes/:name/recover
func (h *SessionHandler) Recover(c *gin.Context) {
	res, err := h.sessions.Recover(c.Request.Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Patch 改写类
// POST /api/sessions/:id/classes/:name/patch
func (h *SessionHandler) Patch(c *gin.Context) {
	var req PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id, name := c.Param("id"), c.Param("name")

	var (
		record *domain.PatchRecord
		err    error
	)
	switch req.Op {
	case domain.PatchOpAddField:
		record, err = h.sessions.AddField(ctx, id, name, req.Member, req.Descriptor, req.Access)
	case domain.PatchOpAddMethod:
		record, err = h.sessions.AddMarkerMethod(ctx, id, name)
	case domain.PatchOpChangeAccess:
		record, err = h.sessions.ChangeMemberAccess(ctx, id, name, req.Member, req.Descriptor, req.Access)
	case domain.PatchOpReplaceLiteral:
		record, err = h.sessions.ReplaceStringLiteral(ctx, id, name, req.Member, req.Descriptor, req.Old, req.New)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown op %q", req.Op)})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Usages 搜索引用了 term 的类（仅在已反编译的类中查找）
// GET /api/sessions/:id/usages?term=Foo
func (h *SessionHandler) Usages(c *gin.Context) {
	term := c.Query("term")
	matches, err := h.sessions.FindUsages(c.Request.Context(), c.Param("id"), term)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"term":    term,
		"classes": matches,
		"total":   len(matches),
	})
}

// DecompileAll 反编译全部类
// POST /api/sessions/:id/decompile
func (h *SessionHandler) DecompileAll(c *gin.Context) {
	n, err := h.sessions.DecompileAll(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decompiled": n})
}

// Save 保存归档
// POST /api/sessions/:id/save {"output": "/data/app-patched.jar"}
func (h *SessionHandler) Save(c *gin.Context) {
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.Save(c.Request.Context(), c.Param("id"), req.Output); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": req.Output})
}
