// Package usage 在反编译文本缓存中查找符号的整词引用。
package usage

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// IsIdentRune Java 标识符字符
func IsIdentRune(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Occurrences 返回 term 在 text 中所有整词匹配的字节偏移。
// term 按字面处理；匹配两侧都必须是非标识符字符或文本边界，与 term 首尾字符无关。
func Occurrences(text, term string) []int {
	if strings.TrimSpace(term) == "" {
		return nil
	}

	var out []int
	for from := 0; from <= len(text)-len(term); {
		i := strings.Index(text[from:], term)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(term)
		if !identBefore(text, start) && !identAt(text, end) {
			out = append(out, start)
		}
		from = start + 1
	}
	return out
}

func identBefore(text string, pos int) bool {
	if pos == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:pos])
	return IsIdentRune(r)
}

func identAt(text string, pos int) bool {
	if pos >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[pos:])
	return IsIdentRune(r)
}

// Contains text 是否至少包含一次 term 的整词匹配
func Contains(text, term string) bool {
	return len(Occurrences(text, term)) > 0
}

// FindUsages 返回文本中引用了 term 的类名（已排序）。
// 只考虑 texts 中存在的类；term 为空白时返回空结果。
func FindUsages(term string, texts map[string]string) []string {
	if strings.TrimSpace(term) == "" {
		return []string{}
	}
	out := []string{}
	for name, text := range texts {
		if Contains(text, term) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FindUsagesParallel 与 FindUsages 相同，按类名分片并发匹配，并发度由 workers 限制
func FindUsagesParallel(ctx context.Context, term string, texts map[string]string, workers int) ([]string, error) {
	if strings.TrimSpace(term) == "" {
		return []string{}, nil
	}
	if workers <= 0 {
		workers = 1
	}

	names := make([]string, 0, len(texts))
	for name := range texts {
		names = append(names, name)
	}
	sort.Strings(names)

	hits := make([]bool, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			hits[i] = Contains(texts[name], term)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []string{}
	for i, hit := range hits {
		if hit {
			out = append(out, names[i])
		}
	}
	return out, nil
}
