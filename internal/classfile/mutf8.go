package classfile

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// 类文件中的 CONSTANT_Utf8 使用 "modified UTF-8"：
// U+0000 编码为两字节 C0 80，增补平面字符拆成代理对后各自按三字节编码。

// encodeMUTF8 Go 字符串 -> modified UTF-8
func encodeMUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= 0x10000 {
			hi, lo := utf16.EncodeRune(r)
			out = appendMUTF8Unit(out, uint16(hi))
			out = appendMUTF8Unit(out, uint16(lo))
			continue
		}
		out = appendMUTF8Unit(out, uint16(r))
	}
	return out
}

func appendMUTF8Unit(out []byte, c uint16) []byte {
	switch {
	case c != 0 && c < 0x80:
		return append(out, byte(c))
	case c < 0x800:
		return append(out, byte(0xC0|(c>>6)), byte(0x80|(c&0x3F)))
	default:
		return append(out, byte(0xE0|(c>>12)), byte(0x80|((c>>6)&0x3F)), byte(0x80|(c&0x3F)))
	}
}

// decodeMUTF8 modified UTF-8 -> Go 字符串，非法序列按 U+FFFD 处理
func decodeMUTF8(b []byte) string {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xE0 == 0xC0 && i+1 < len(b):
			units = append(units, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0 && i+2 < len(b):
			units = append(units, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		default:
			units = append(units, utf8.RuneError)
			i++
		}
	}

	var sb strings.Builder
	sb.Grow(len(units))
	for _, r := range utf16.Decode(units) {
		sb.WriteRune(r)
	}
	return sb.String()
}
