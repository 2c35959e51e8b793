// Package recovery 对反编译文本做字符串混淆的启发式还原。
//
// 每个 Engine 对应一种混淆器：在文本中定位疑似加密字符串的调用点，
// 模拟解密得到一个"可能的明文"，再以注释形式标注在变量的后续使用处。
// 结果只是尽力而为的提示，不保证与真实解密一致，Confidence 字段标明来源。
// 所有函数都是文本的纯函数，相同输入得到逐字节相同的输出。
package recovery

// Confidence 还原结果的可信程度
type Confidence string

const (
	// ConfidenceHeuristic 主变换结果可打印比例超过阈值
	ConfidenceHeuristic Confidence = "heuristic"
	// ConfidenceFallback 主变换不可读，退回固定密钥异或
	ConfidenceFallback Confidence = "fallback"
	// ConfidenceDecoded 字面量本身就是字符编码（char 数组），直接解码
	ConfidenceDecoded Confidence = "decoded"
)

// Finding 一处被还原的字符串
type Finding struct {
	Engine     string     `json:"engine"`
	Variable   string     `json:"variable"`
	Class      string     `json:"class,omitempty"`
	Method     string     `json:"method"`
	Literal    string     `json:"literal"`
	Plaintext  string     `json:"plaintext"`
	Confidence Confidence `json:"confidence"`
	Offset     int        `json:"offset"`
}

// Engine 字符串还原引擎
type Engine interface {
	// Name 引擎名（小写，用于配置与注释标签）
	Name() string
	// Title 用于横幅的展示名
	Title() string
	// Scan 返回文本中被还原的字符串；同一变量只保留最后一次结果，按首次出现顺序排列
	Scan(text string) []Finding
}

// Result 一次处理的结果
type Result struct {
	Text     string         `json:"text"`
	Findings []Finding      `json:"findings"`
	Counts   map[string]int `json:"counts"`
}

// Changed 是否有任何还原
func (r Result) Changed() bool {
	return len(r.Findings) > 0
}

// collector 按变量去重，后写覆盖先写，保留首次出现的顺序
type collector struct {
	order []string
	byVar map[string]Finding
}

func newCollector() *collector {
	return &collector{byVar: make(map[string]Finding)}
}

func (c *collector) put(f Finding) {
	if _, ok := c.byVar[f.Variable]; !ok {
		c.order = append(c.order, f.Variable)
	}
	c.byVar[f.Variable] = f
}

func (c *collector) findings() []Finding {
	out := make([]Finding, 0, len(c.order))
	for _, v := range c.order {
		out = append(out, c.byVar[v])
	}
	return out
}
