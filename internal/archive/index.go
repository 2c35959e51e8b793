// Package archive 维护 JAR 归档中类名到类字节的索引。
//
// 原始字节按需读取并缓存（origin），修改后的字节放在 overlay 中并始终优先；
// 归档文件本身在 SaveTo 之前不会被修改。反编译文本单独缓存，与字节缓存互不影响。
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ClassSuffix 类文件后缀
const ClassSuffix = ".class"

// Source 类字节的来源
type Source string

const (
	SourceOverlay Source = "overlay"
	SourceCache   Source = "cache"
	SourceArchive Source = "archive"
)

// Index 单个归档的类索引，可被多个 goroutine 并发使用
type Index struct {
	path   string
	zr     *zip.ReadCloser
	logger *logrus.Logger

	// 打开时确定，之后只读
	entries map[string]*zip.File // 类名 -> 条目
	names   []string             // 打开时发现的类名，已排序

	mu      sync.Mutex
	origin  map[string][]byte
	overlay map[string][]byte

	textMu sync.RWMutex
	texts  map[string]string

	// readEntry 读取单个条目，测试中替换以统计读取次数
	readEntry func(f *zip.File) ([]byte, error)
}

// EntryToClassName a/b/C.class -> a.b.C；非类条目返回 false
func EntryToClassName(entry string) (string, bool) {
	if !strings.HasSuffix(entry, ClassSuffix) || strings.HasSuffix(entry, "/") {
		return "", false
	}
	return strings.ReplaceAll(strings.TrimSuffix(entry, ClassSuffix), "/", "."), true
}

// ClassNameToEntry a.b.C -> a/b/C.class
func ClassNameToEntry(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ClassSuffix
}

// Open 扫描归档建立类名索引。扫描过程可通过 ctx 取消，取消时不产生任何状态。
func Open(ctx context.Context, path string, logger *logrus.Logger) (*Index, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &ArchiveFormatError{Path: path, Err: err}
	}

	entries := make(map[string]*zip.File)
	names := make([]string, 0, len(zr.File))
	for i, f := range zr.File {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				zr.Close()
				return nil, err
			}
		}
		name, ok := EntryToClassName(f.Name)
		if !ok {
			continue
		}
		if _, dup := entries[name]; dup {
			logger.WithFields(logrus.Fields{
				"archive": path,
				"entry":   f.Name,
			}).Warn("Duplicate class entry, keeping the first one")
			continue
		}
		entries[name] = f
		names = append(names, name)
	}
	sort.Strings(names)

	logger.WithFields(logrus.Fields{
		"archive": path,
		"entries": len(zr.File),
		"classes": len(names),
	}).Info("Archive indexed")

	return &Index{
		path:      path,
		zr:        zr,
		logger:    logger,
		entries:   entries,
		names:     names,
		origin:    make(map[string][]byte),
		overlay:   make(map[string][]byte),
		texts:     make(map[string]string),
		readEntry: readZipFile,
	}, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Path 归档路径
func (idx *Index) Path() string {
	return idx.path
}

// Close 释放归档文件句柄
func (idx *Index) Close() error {
	return idx.zr.Close()
}

// ListClassNames 所有类名（含仅存在于 overlay 中的新类），已排序
func (idx *Index) ListClassNames() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]string, len(idx.names), len(idx.names)+len(idx.overlay))
	copy(out, idx.names)
	added := false
	for name := range idx.overlay {
		if _, ok := idx.entries[name]; !ok {
			out = append(out, name)
			added = true
		}
	}
	if added {
		sort.Strings(out)
	}
	return out
}

// Contains 类是否存在于归档或 overlay 中
func (idx *Index) Contains(name string) bool {
	if _, ok := idx.entries[name]; ok {
		return true
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.overlay[name]
	return ok
}

// GetClassBytes 返回类的当前字节：overlay 优先，否则读取归档并缓存
func (idx *Index) GetClassBytes(name string) ([]byte, error) {
	b, _, err := idx.ClassBytes(name)
	return b, err
}

// ClassBytes 同 GetClassBytes，额外返回字节来源
func (idx *Index) ClassBytes(name string) ([]byte, Source, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if b, ok := idx.overlay[name]; ok {
		return bytes.Clone(b), SourceOverlay, nil
	}
	if b, ok := idx.origin[name]; ok {
		return bytes.Clone(b), SourceCache, nil
	}

	f, ok := idx.entries[name]
	if !ok {
		return nil, "", &ClassNotFoundError{Name: name}
	}
	b, err := idx.readEntry(f)
	if err != nil {
		return nil, "", &IOError{Op: "read", Path: idx.path + "!" + f.Name, Err: err}
	}
	idx.origin[name] = b
	return bytes.Clone(b), SourceArchive, nil
}

// PutClassBytes 设置 overlay，后写覆盖先写；不做任何校验
func (idx *Index) PutClassBytes(name string, b []byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.overlay[name] = bytes.Clone(b)
}

// HasOverlay 类是否已被修改或新增
func (idx *Index) HasOverlay(name string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.overlay[name]
	return ok
}

// OverlayNames 所有 overlay 类名，已排序
func (idx *Index) OverlayNames() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	names := make([]string, 0, len(idx.overlay))
	for name := range idx.overlay {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenClassStream 打开归档中原始条目的独立读句柄，看不到 overlay。调用方负责 Close。
func (idx *Index) OpenClassStream(name string) (io.ReadCloser, error) {
	f, ok := idx.entries[name]
	if !ok {
		return nil, &ClassNotFoundError{Name: name}
	}

	file, err := os.Open(idx.path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: idx.path, Err: err}
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &IOError{Op: "stat", Path: idx.path, Err: err}
	}
	zr, err := zip.NewReader(file, info.Size())
	if err != nil {
		file.Close()
		return nil, &ArchiveFormatError{Path: idx.path, Err: err}
	}
	for _, zf := range zr.File {
		if zf.Name != f.Name {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			file.Close()
			return nil, &IOError{Op: "read", Path: idx.path + "!" + f.Name, Err: err}
		}
		return &entryStream{ReadCloser: rc, file: file}, nil
	}
	file.Close()
	return nil, &ClassNotFoundError{Name: name}
}

// entryStream 关闭时同时释放条目读取器与文件句柄
type entryStream struct {
	io.ReadCloser
	file *os.File
}

func (s *entryStream) Close() error {
	err := s.ReadCloser.Close()
	if ferr := s.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// PutDecompiledText 缓存反编译文本
func (idx *Index) PutDecompiledText(name, text string) {
	idx.textMu.Lock()
	defer idx.textMu.Unlock()
	idx.texts[name] = text
}

// GetDecompiledText 读取缓存的反编译文本
func (idx *Index) GetDecompiledText(name string) (string, bool) {
	idx.textMu.RLock()
	defer idx.textMu.RUnlock()
	text, ok := idx.texts[name]
	return text, ok
}

// DecompiledTexts 反编译文本缓存的快照
func (idx *Index) DecompiledTexts() map[string]string {
	idx.textMu.RLock()
	defer idx.textMu.RUnlock()
	out := make(map[string]string, len(idx.texts))
	for k, v := range idx.texts {
		out[k] = v
	}
	return out
}

// SaveTo 重新序列化归档：原条目保持原顺序（有 overlay 的替换为 overlay 字节），
// 随后按类名顺序追加新类。先写同目录临时文件再 rename，失败时不会留下半成品。
func (idx *Index) SaveTo(outputPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dir := filepath.Dir(outputPath)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(outputPath)+"-")
	if err != nil {
		return &IOError{Op: "create", Path: outputPath, Err: err}
	}
	tmpPath := tmp.Name()

	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &IOError{Op: op, Path: outputPath, Err: err}
	}

	replaced, added, err := idx.writeArchive(tmp)
	if err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return &IOError{Op: "close", Path: outputPath, Err: err}
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		_ = os.Remove(tmpPath)
		return &IOError{Op: "rename", Path: outputPath, Err: err}
	}

	idx.logger.WithFields(logrus.Fields{
		"archive":  idx.path,
		"output":   outputPath,
		"replaced": replaced,
		"added":    added,
	}).Info("Archive saved")
	return nil
}

// dataDescriptorFlag 通用位标志 bit 3：CRC 与大小写在数据之后
const dataDescriptorFlag = 0x8

// writeReplaced 沿用原条目的头写出替换后的字节。
// STORED 条目预先计算 CRC 与大小并以 raw 方式写出，不带 data descriptor。
func writeReplaced(zw *zip.Writer, hdr zip.FileHeader, b []byte) error {
	hdr.Extra = nil
	if hdr.Method == zip.Store {
		hdr.Flags &^= dataDescriptorFlag
		hdr.CRC32 = crc32.ChecksumIEEE(b)
		hdr.CompressedSize64 = uint64(len(b))
		hdr.UncompressedSize64 = uint64(len(b))
		ew, err := zw.CreateRaw(&hdr)
		if err != nil {
			return err
		}
		_, err = ew.Write(b)
		return err
	}

	hdr.Method = zip.Deflate
	hdr.CRC32, hdr.CompressedSize64, hdr.UncompressedSize64 = 0, 0, 0
	hdr.CompressedSize, hdr.UncompressedSize = 0, 0
	ew, err := zw.CreateHeader(&hdr)
	if err != nil {
		return err
	}
	_, err = ew.Write(b)
	return err
}

// writeArchive 写出完整归档，调用方持有 mu
func (idx *Index) writeArchive(w io.Writer) (replaced, added int, err error) {
	zw := zip.NewWriter(w)

	for _, f := range idx.zr.File {
		name, isClass := EntryToClassName(f.Name)
		b, patched := idx.overlay[name]
		if isClass && patched && idx.entries[name] == f {
			if err := writeReplaced(zw, f.FileHeader, b); err != nil {
				return 0, 0, err
			}
			replaced++
			continue
		}
		if err := zw.Copy(f); err != nil {
			return 0, 0, err
		}
	}

	var fresh []string
	for name := range idx.overlay {
		if _, ok := idx.entries[name]; !ok {
			fresh = append(fresh, name)
		}
	}
	sort.Strings(fresh)
	for _, name := range fresh {
		hdr := &zip.FileHeader{Name: ClassNameToEntry(name), Method: zip.Deflate}
		hdr.SetMode(0o644)
		ew, err := zw.CreateHeader(hdr)
		if err != nil {
			return 0, 0, err
		}
		if _, err := ew.Write(idx.overlay[name]); err != nil {
			return 0, 0, err
		}
		added++
	}

	if err := zw.Close(); err != nil {
		return 0, 0, err
	}
	return replaced, added, nil
}
