package recovery

import (
	"regexp"
	"strconv"
)

var (
	// x = Obj.a("...", 1234);
	zkmCallPattern = regexp.MustCompile(`(?:String\s+)?(\w+)\s*=\s*\w+\.(\w+)\("([^"]+)"(?:,\s*(-?\d+))?\s*\);`)
	// static final String x = a("...", 1234);
	zkmStaticPattern = regexp.MustCompile(`(?:static\s+)?(?:final\s+)?String\s+(\w+)\s*=\s*(\w+)\("([^"]+)"(?:,\s*(-?\d+))?\s*\);`)
	// String a(String s, int k) {
	zkmDecryptorPattern = regexp.MustCompile(`(?:private|protected|public|static|\s)+String\s+(\w+)\s*\(String\s+[^,]+(?:,\s*int\s+\w+)?\s*\)\s*\{`)
)

// zkmDefaultKey 调用点未给出密钥时使用
const zkmDefaultKey = 0xF

// ZKMEngine Zelix KlassMaster 字符串加密的启发式还原
type ZKMEngine struct{}

// NewZKMEngine 创建 ZKM 引擎
func NewZKMEngine() *ZKMEngine {
	return &ZKMEngine{}
}

// Name 引擎名
func (e *ZKMEngine) Name() string { return "zkm" }

// Title 展示名
func (e *ZKMEngine) Title() string { return "ZKM" }

// Scan 处理限定调用与静态初始化两种形态
func (e *ZKMEngine) Scan(text string) []Finding {
	methods := matchSet(zkmDecryptorPattern, text, 1)
	c := newCollector()

	for _, re := range []*regexp.Regexp{zkmCallPattern, zkmStaticPattern} {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			variable, method, literal := text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]]
			if !isCandidateMethod(methods, method) && !IsLikelyEncrypted(literal) {
				continue
			}
			keyText := ""
			if m[8] >= 0 {
				keyText = text[m[8]:m[9]]
			}
			plain, conf := simulateZKM(literal, keyText)
			c.put(Finding{
				Engine: e.Name(), Variable: variable, Method: method,
				Literal: literal, Plaintext: plain, Confidence: conf, Offset: m[0],
			})
		}
	}

	return c.findings()
}

// simulateZKM 与调用点密钥（缺省 0xF）逐字符异或；
// 密钥无法解析或结果不可读时退回默认密钥
func simulateZKM(literal, keyText string) (string, Confidence) {
	units := toUnits(literal)
	if keyText != "" {
		if key, err := strconv.ParseInt(keyText, 10, 32); err == nil {
			out := xorUnits(units, uint16(key))
			if key == zkmDefaultKey || isPrintable(out) {
				return fromUnits(out), ConfidenceHeuristic
			}
		}
		return fromUnits(xorUnits(units, zkmDefaultKey)), ConfidenceFallback
	}
	out := xorUnits(units, zkmDefaultKey)
	if isPrintable(out) {
		return fromUnits(out), ConfidenceHeuristic
	}
	return fromUnits(out), ConfidenceFallback
}
