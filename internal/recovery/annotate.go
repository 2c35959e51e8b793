package recovery

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Annotate 在每个已还原变量的后续使用处追加注释，返回新文本。
//
// 只扫描一遍：字符串、字符字面量与注释内部不处理；
// 赋值左侧（name = ，不含 ==）、其他对象的成员访问（obj.name）与方法调用（name(）不标注；
// this.name 与 Cls.name 照常标注。
// 同一变量有多个引擎的结果时按 findings 顺序依次追加。
func Annotate(text string, findings []Finding) string {
	if len(findings) == 0 {
		return text
	}
	notes := make(map[string][]string)
	for _, f := range findings {
		notes[f.Variable] = append(notes[f.Variable], annotation(f))
	}

	var b strings.Builder
	b.Grow(len(text) + len(findings)*32)

	last := 0
	for i := 0; i < len(text); {
		switch c := text[i]; {
		case c == '"' || c == '\'':
			i = skipQuoted(text, i)
		case strings.HasPrefix(text[i:], "//"):
			i = skipLine(text, i)
		case strings.HasPrefix(text[i:], "/*"):
			i = skipBlockComment(text, i)
		default:
			r, size := utf8.DecodeRuneInString(text[i:])
			if unicode.IsDigit(r) {
				i = identEnd(text, i) // 数字字面量，如 0x5A
				continue
			}
			if !isIdentStart(r) {
				i += size
				continue
			}
			end := identEnd(text, i)
			word := text[i:end]
			if ns, ok := notes[word]; ok && !isMemberAccess(text, i) && !isAssignedOrCalled(text, end) {
				b.WriteString(text[last:end])
				for _, n := range ns {
					b.WriteString(n)
				}
				last = end
			}
			i = end
		}
	}
	b.WriteString(text[last:])
	return b.String()
}

// annotation 形如 ` /* [!] zkm (heuristic): "plain" */`
func annotation(f Finding) string {
	quoted := strconv.Quote(f.Plaintext)
	quoted = strings.ReplaceAll(quoted, "*/", `*\/`)
	return fmt.Sprintf(" /* [!] %s (%s): %s */", f.Engine, f.Confidence, quoted)
}

// Banner 结果横幅，每个有结果的引擎一行，末尾空一行
func Banner(titles []string, counts []int) string {
	var b strings.Builder
	for i, title := range titles {
		if counts[i] == 0 {
			continue
		}
		fmt.Fprintf(&b, "/* [!] %s string recovery applied (best-effort simulation) - found %d encrypted strings */\n", title, counts[i])
	}
	if b.Len() == 0 {
		return ""
	}
	b.WriteString("\n")
	return b.String()
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

func identEnd(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !isIdentPart(r) {
			break
		}
		i += size
	}
	return i
}

// skipQuoted 跳过以 text[i] 开头的字符串或字符字面量，遇到换行视为结束
func skipQuoted(text string, i int) int {
	quote := text[i]
	for i++; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		case '\n':
			return i
		}
	}
	return len(text)
}

func skipLine(text string, i int) int {
	if n := strings.IndexByte(text[i:], '\n'); n >= 0 {
		return i + n
	}
	return len(text)
}

func skipBlockComment(text string, i int) int {
	if n := strings.Index(text[i+2:], "*/"); n >= 0 {
		return i + 2 + n + 2
	}
	return len(text)
}

// isMemberAccess 标识符前（忽略空白）是否为 '.'，且限定符不是 this 或类名。
// this.K 与 Cls.K 视为对本类常量的引用，照常标注。
func isMemberAccess(text string, start int) bool {
	j := skipSpaceBack(text, start)
	if j == 0 {
		return false
	}
	r, size := utf8.DecodeLastRuneInString(text[:j])
	if r != '.' {
		return false
	}
	qualifier := identBefore(text, skipSpaceBack(text, j-size))
	if qualifier == "this" {
		return false
	}
	first, _ := utf8.DecodeRuneInString(qualifier)
	return !unicode.IsUpper(first)
}

func skipSpaceBack(text string, j int) int {
	for j > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:j])
		if !unicode.IsSpace(r) {
			break
		}
		j -= size
	}
	return j
}

// identBefore 紧接在 end 之前的标识符
func identBefore(text string, end int) string {
	i := end
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		if !isIdentPart(r) {
			break
		}
		i -= size
	}
	return text[i:end]
}

// isAssignedOrCalled 标识符后（忽略空白）是否为单个 '=' 或 '('
func isAssignedOrCalled(text string, end int) bool {
	j := end
	for j < len(text) {
		r, size := utf8.DecodeRuneInString(text[j:])
		if unicode.IsSpace(r) {
			j += size
			continue
		}
		switch r {
		case '(':
			return true
		case '=':
			return j+1 >= len(text) || text[j+1] != '='
		}
		return false
	}
	return false
}
