package recovery

import (
	"regexp"
)

var (
	// String a = A.a("...");  第二个参数可选
	allatoriCallPattern = regexp.MustCompile(`(?:String\s+)?(\w+)\s*=\s*([A-Z]\w*)\.(\w+)\("([^"]+)"\s*(?:,[^)]+)?\);`)
	// String a = a(new char[]{65, 66, 0x43});
	allatoriCharArrayPattern = regexp.MustCompile(`(?:String\s+)?(\w+)\s*=\s*(\w+)\(new\s+char\[\]\s*\{([^}]+)\}(?:,[^)]+)?\);`)
	// static final String A = "...";
	stringConstantPattern = regexp.MustCompile(`static\s+(?:final\s+)?String\s+(\w+)\s*=\s*"([^"]+)";`)
	// String a(String s) / String a(char[] c, int k)
	allatoriDecryptorPattern = regexp.MustCompile(`(?:private|protected|public|static|\s)+String\s+(\w+)\s*\((?:String|char\[\])\s+[^,)]+(?:,[^)]+)?\)`)
	// class A {
	classDeclPattern = regexp.MustCompile(`class\s+([A-Z]\w*)\s+\{`)
)

// allatoriStartKey 演进密钥的初始值
const allatoriStartKey = 0x5A

// AllatoriEngine Allatori 字符串加密的启发式还原
type AllatoriEngine struct{}

// NewAllatoriEngine 创建 Allatori 引擎
func NewAllatoriEngine() *AllatoriEngine {
	return &AllatoriEngine{}
}

// Name 引擎名
func (e *AllatoriEngine) Name() string { return "allatori" }

// Title 展示名
func (e *AllatoriEngine) Title() string { return "Allatori" }

// Scan 依次处理方法调用、char 数组与静态常量三种形态
func (e *AllatoriEngine) Scan(text string) []Finding {
	methods := matchSet(allatoriDecryptorPattern, text, 1)
	classes := make(map[string]bool)
	for _, m := range classDeclPattern.FindAllStringSubmatch(text, -1) {
		if isShortName(m[1]) {
			classes[m[1]] = true
		}
	}

	c := newCollector()

	for _, m := range allatoriCallPattern.FindAllStringSubmatchIndex(text, -1) {
		variable, class, method, literal := text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]], text[m[8]:m[9]]
		if !classes[class] && !isCandidateMethod(methods, method) && !IsLikelyEncrypted(literal) {
			continue
		}
		plain, conf := simulateAllatori(literal)
		c.put(Finding{
			Engine: e.Name(), Variable: variable, Class: class, Method: method,
			Literal: literal, Plaintext: plain, Confidence: conf, Offset: m[0],
		})
	}

	for _, m := range allatoriCharArrayPattern.FindAllStringSubmatchIndex(text, -1) {
		variable, method, list := text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]]
		if !isCandidateMethod(methods, method) {
			continue
		}
		plain, ok := parseCharArray(list)
		if !ok {
			continue
		}
		c.put(Finding{
			Engine: e.Name(), Variable: variable, Method: method,
			Literal: list, Plaintext: plain, Confidence: ConfidenceDecoded, Offset: m[0],
		})
	}

	for _, m := range stringConstantPattern.FindAllStringSubmatchIndex(text, -1) {
		variable, literal := text[m[2]:m[3]], text[m[4]:m[5]]
		if !IsLikelyEncrypted(literal) {
			continue
		}
		plain, conf := simulateAllatori(literal)
		c.put(Finding{
			Engine: e.Name(), Variable: variable,
			Literal: literal, Plaintext: plain, Confidence: conf, Offset: m[0],
		})
	}

	return c.findings()
}

// simulateAllatori 演进密钥异或后循环左移 3 位；结果不可读时退回固定密钥异或
func simulateAllatori(literal string) (string, Confidence) {
	units := toUnits(literal)
	out := make([]uint16, len(units))
	key := uint16(allatoriStartKey)
	for i, c := range units {
		c ^= key
		c = c<<3 | c>>13
		out[i] = c
		key = (key*13 + c) & 0xFF
	}
	if isPrintable(out) {
		return fromUnits(out), ConfidenceHeuristic
	}
	return fromUnits(xorUnits(units, allatoriStartKey)), ConfidenceFallback
}

// isCandidateMethod 已发现的解密方法或混淆器短名
func isCandidateMethod(methods map[string]bool, name string) bool {
	return methods[name] || isShortName(name)
}

func matchSet(re *regexp.Regexp, text string, group int) map[string]bool {
	out := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		out[m[group]] = true
	}
	return out
}
