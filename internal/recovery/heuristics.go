package recovery

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

const (
	// encryptedRatio 非字母数字、非空白字符占比超过该值视为密文
	encryptedRatio = 0.3
	// printableRatio 可打印 ASCII 占比超过该值视为解密成功
	printableRatio = 0.7
	// shortNameMax 混淆器生成的解密方法/类名长度上限
	shortNameMax = 2
)

// IsLikelyEncrypted 字面量是否像密文：长度不足 3 时为 false
func IsLikelyEncrypted(s string) bool {
	runes := []rune(s)
	if len(runes) < 3 {
		return false
	}
	odd := 0
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			odd++
		}
	}
	return float64(odd)/float64(len(runes)) > encryptedRatio
}

// isPrintable UTF-16 码元中可打印 ASCII 比例是否超过阈值
func isPrintable(units []uint16) bool {
	if len(units) == 0 {
		return false
	}
	n := 0
	for _, c := range units {
		if c >= 32 && c < 127 {
			n++
		}
	}
	return float64(n)/float64(len(units)) > printableRatio
}

// isShortName 混淆器常用的 1~2 字符名
func isShortName(name string) bool {
	return name != "" && len([]rune(name)) <= shortNameMax
}

// toUnits 字符串按 Java char 处理
func toUnits(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func fromUnits(units []uint16) string {
	return string(utf16.Decode(units))
}

// xorUnits 每个码元与固定 key 异或
func xorUnits(units []uint16, key uint16) []uint16 {
	out := make([]uint16, len(units))
	for i, c := range units {
		out[i] = c ^ key
	}
	return out
}

// parseCharArray 解析 char 数组初始化列表：十进制、0x 十六进制或 'c' 字面量
func parseCharArray(list string) (string, bool) {
	var units []uint16
	for _, v := range strings.Split(list, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		c, ok := parseCharValue(v)
		if !ok {
			return "", false
		}
		units = append(units, c)
	}
	if len(units) == 0 {
		return "", false
	}
	return fromUnits(units), true
}

func parseCharValue(v string) (uint16, bool) {
	if strings.HasPrefix(v, "(char)") {
		v = strings.TrimSpace(strings.TrimPrefix(v, "(char)"))
	}
	if len(v) >= 3 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return parseCharLiteral(v[1 : len(v)-1])
	}
	var (
		n   int64
		err error
	)
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		n, err = strconv.ParseInt(v[2:], 16, 32)
	} else {
		n, err = strconv.ParseInt(v, 10, 32)
	}
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// parseCharLiteral Java 字符字面量内容（不含引号）
func parseCharLiteral(s string) (uint16, bool) {
	if !strings.HasPrefix(s, `\`) {
		units := toUnits(s)
		if len(units) != 1 {
			return 0, false
		}
		return units[0], true
	}
	switch {
	case strings.HasPrefix(s, `\u`):
		n, err := strconv.ParseUint(strings.TrimLeft(s[1:], "u"), 16, 16)
		if err != nil {
			return 0, false
		}
		return uint16(n), true
	case len(s) == 2:
		switch s[1] {
		case 'n':
			return '\n', true
		case 't':
			return '\t', true
		case 'r':
			return '\r', true
		case 'b':
			return '\b', true
		case 'f':
			return '\f', true
		case '0':
			return 0, true
		case '\\', '\'', '"':
			return uint16(s[1]), true
		}
	}
	n, err := strconv.ParseUint(s[1:], 8, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}
