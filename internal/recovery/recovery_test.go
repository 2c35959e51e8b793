package recovery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const zkmSample = `public class Foo {
    private static String a(String s, int k) {
        return s;
    }

    public void run() {
        String msg = Foo.a("gjcc` + "`" + `", 15);
        System.out.println(msg);
        if (msg == null) {
            return;
        }
    }
}
`

func TestZKMEngine_DiscoveredDecryptor(t *testing.T) {
	res := Process(NewZKMEngine(), zkmSample)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "msg", f.Variable)
	assert.Equal(t, "a", f.Method)
	assert.Equal(t, "hello", f.Plaintext)
	assert.Equal(t, ConfidenceHeuristic, f.Confidence)
	assert.Equal(t, 1, res.Counts["zkm"])

	assert.True(t, strings.HasPrefix(res.Text,
		"/* [!] ZKM string recovery applied (best-effort simulation) - found 1 encrypted strings */\n\n"))
	assert.Contains(t, res.Text, `System.out.println(msg /* [!] zkm (heuristic): "hello" */);`)
	assert.Contains(t, res.Text, `if (msg /* [!] zkm (heuristic): "hello" */ == null)`)
	assert.Contains(t, res.Text, "String msg = Foo.a(", "assignment occurrence is left alone")
}

func TestZKMEngine_StaticInitialiser(t *testing.T) {
	text := `static final String KEY = b("#@!$", 3);
use(KEY);`
	res := Process(NewZKMEngine(), text)
	require.Len(t, res.Findings, 1)
	// '#'^3='\x20', '@'^3='C', '!'^3='"', '$'^3='\''
	assert.Equal(t, " C\"'", res.Findings[0].Plaintext)
	assert.Equal(t, ConfidenceHeuristic, res.Findings[0].Confidence)
	assert.Contains(t, res.Text, `use(KEY /* [!] zkm (heuristic): " C\"'" */);`)
}

func TestZKMEngine_UnparsableKeyFallsBack(t *testing.T) {
	plain, conf := simulateZKM("gjcc`", "99999999999")
	assert.Equal(t, "hello", plain)
	assert.Equal(t, ConfidenceFallback, conf)
}

func TestAllatoriEngine_EvolvingKey(t *testing.T) {
	// "S\u20d7" 在演进密钥 + 循环移位下还原为 "Hi"
	plain, conf := simulateAllatori("S\u20d7")
	assert.Equal(t, "Hi", plain)
	assert.Equal(t, ConfidenceHeuristic, conf)

	text := "String greeting = A.a(\"S\u20d7\");\nlog(greeting);\n"
	res := Process(NewAllatoriEngine(), text)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "A", res.Findings[0].Class)
	assert.Contains(t, res.Text, `log(greeting /* [!] allatori (heuristic): "Hi" */);`)
	assert.True(t, strings.HasPrefix(res.Text, "/* [!] Allatori string recovery applied"))
}

func TestAllatoriEngine_Fallback(t *testing.T) {
	text := `String v = Decoder.decodeString("%%%");
print(v);`
	res := Process(NewAllatoriEngine(), text)
	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, ConfidenceFallback, f.Confidence)
	assert.Equal(t, "\x7f\x7f\x7f", f.Plaintext)
	assert.Contains(t, res.Text, `print(v /* [!] allatori (fallback): "\x7f\x7f\x7f" */);`)
}

func TestAllatoriEngine_CharArray(t *testing.T) {
	text := `String t = a(new char[]{72, 0x69, '!'});
emit(t);`
	res := Process(NewAllatoriEngine(), text)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "Hi!", res.Findings[0].Plaintext)
	assert.Equal(t, ConfidenceDecoded, res.Findings[0].Confidence)
	assert.Contains(t, res.Text, `emit(t /* [!] allatori (decoded): "Hi!" */);`)
}

func TestAllatoriEngine_EncryptedConstant(t *testing.T) {
	text := `static final String K = "#@!$%^";
static final String PLAIN = "hello world";
f(K, PLAIN);`
	res := Process(NewAllatoriEngine(), text)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "K", res.Findings[0].Variable)
	assert.NotContains(t, res.Text, "PLAIN /*")
}

func TestAllatoriEngine_ShortClassCandidate(t *testing.T) {
	text := `class Ab {
}
String s = Ab.decrypt("plain text");
use(s);`
	res := Process(NewAllatoriEngine(), text)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "Ab", res.Findings[0].Class)
}

func TestCandidateThreshold(t *testing.T) {
	tests := []struct {
		name    string
		engine  Engine
		text    string
		flagged bool
	}{
		{"zkm short name with noisy literal", NewZKMEngine(), `String s = x.ab("#$%&@!");`, true},
		{"zkm long name with plain literal", NewZKMEngine(), `String s = helper.formatMessage("hello world");`, false},
		{"zkm long name with noisy literal", NewZKMEngine(), `String s = helper.formatMessage("#$%&@!");`, true},
		{"allatori short name with noisy literal", NewAllatoriEngine(), `String s = Util.q("#$%&@!");`, true},
		{"allatori long name with plain literal", NewAllatoriEngine(), `String s = Helper.formatMessage("hello world");`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := tt.engine.Scan(tt.text)
			assert.Equal(t, tt.flagged, len(found) == 1)
		})
	}
}

func TestIsLikelyEncrypted(t *testing.T) {
	assert.False(t, IsLikelyEncrypted(""))
	assert.False(t, IsLikelyEncrypted("#$"), "shorter than 3")
	assert.False(t, IsLikelyEncrypted("abc"))
	assert.False(t, IsLikelyEncrypted("a b c d"), "whitespace does not count")
	assert.False(t, IsLikelyEncrypted("hello world!"))
	assert.True(t, IsLikelyEncrypted("a-b"))
	assert.True(t, IsLikelyEncrypted("#$%&@!"))
}

func TestParseCharArray(t *testing.T) {
	s, ok := parseCharArray(" 72 , 0x69,0X21 ")
	require.True(t, ok)
	assert.Equal(t, "Hi!", s)

	s, ok = parseCharArray(`'A', '\n', (char)66`)
	require.True(t, ok)
	assert.Equal(t, "A\nB", s)

	_, ok = parseCharArray("72, oops")
	assert.False(t, ok)
}

func TestAnnotate_SkipsLiteralsAndComments(t *testing.T) {
	f := Finding{Engine: "zkm", Variable: "msg", Plaintext: "x", Confidence: ConfidenceHeuristic}
	text := `// msg in a line comment
/* msg in a block */
String s = "msg in a string";
char c = 'm';
other.msg.length();
msg();
msgs + msg2 + _msg;
msg = other;
call(msg);`
	out := Annotate(text, []Finding{f})

	note := ` /* [!] zkm (heuristic): "x" */`
	assert.Equal(t, 1, strings.Count(out, note), out)
	assert.Contains(t, out, "call(msg"+note+");")
}

func TestAnnotate_QualifiedConstantUses(t *testing.T) {
	f := Finding{Engine: "allatori", Variable: "K", Plaintext: "v", Confidence: ConfidenceDecoded}
	text := `log(this.K);
log(Secret.K);
log(other.K);
log(Secret. K);
Secret.K(1);`
	out := Annotate(text, []Finding{f})

	note := ` /* [!] allatori (decoded): "v" */`
	assert.Contains(t, out, "log(this.K"+note+");")
	assert.Contains(t, out, "log(Secret.K"+note+");")
	assert.Contains(t, out, "log(Secret. K"+note+");")
	assert.Contains(t, out, "log(other.K);")
	assert.Contains(t, out, "Secret.K(1);")
	assert.Equal(t, 3, strings.Count(out, note))
}

func TestAnnotate_EscapesCommentTerminator(t *testing.T) {
	f := Finding{Engine: "zkm", Variable: "v", Plaintext: "a*/b", Confidence: ConfidenceFallback}
	out := Annotate("use(v);", []Finding{f})
	assert.Equal(t, `use(v /* [!] zkm (fallback): "a*\/b" */);`, out)
}

func TestAnnotate_NoFindings(t *testing.T) {
	assert.Equal(t, "unchanged", Annotate("unchanged", nil))
}

func TestPipeline_Deterministic(t *testing.T) {
	text := zkmSample + `
class Ab {
    String v = Ab.zz("%%%");
    static final String K = "#@!$%^";
    void go() { use(v, K, msg); }
}
`
	p := DefaultPipeline()
	first := p.Process(text)
	second := p.Process(text)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Findings, second.Findings)
	assert.True(t, first.Changed())
}

func TestPipeline_NoFindingsReturnsInput(t *testing.T) {
	text := "public class Plain { void run() { System.out.println(\"hi\"); } }"
	res := DefaultPipeline().Process(text)
	assert.Equal(t, text, res.Text)
	assert.False(t, res.Changed())
	assert.Equal(t, 0, res.Counts["zkm"])
}

func TestPipeline_BothEnginesAnnotateSameVariable(t *testing.T) {
	text := `String s = A.b("#$%&@!");
use(s);`
	res := DefaultPipeline().Process(text)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "zkm", res.Findings[0].Engine)
	assert.Equal(t, "allatori", res.Findings[1].Engine)

	lines := strings.SplitN(res.Text, "\n", 4)
	assert.True(t, strings.HasPrefix(lines[0], "/* [!] ZKM"))
	assert.True(t, strings.HasPrefix(lines[1], "/* [!] Allatori"))
	assert.Equal(t, "", lines[2])
	assert.Contains(t, res.Text, "use(s /* [!] zkm (")
	assert.Contains(t, res.Text, " */ /* [!] allatori (")
}

func TestPipeline_Select(t *testing.T) {
	p, err := DefaultPipeline().Select("Allatori")
	require.NoError(t, err)
	assert.Equal(t, []string{"allatori"}, p.Engines())

	all, err := DefaultPipeline().Select()
	require.NoError(t, err)
	assert.Equal(t, []string{"zkm", "allatori"}, all.Engines())

	_, err = DefaultPipeline().Select("stringer")
	assert.Error(t, err)
}

type panicEngine struct{}

func (panicEngine) Name() string { return "panic" }
func (panicEngine) Title() string { return "Panic" }
func (panicEngine) Scan(string) []Finding { panic("boom") }

func TestPipeline_RecoversFromPanic(t *testing.T) {
	p := DefaultPipeline()
	p.Register(panicEngine{})
	res := p.Process(zkmSample)
	assert.Equal(t, zkmSample, res.Text)
	assert.Empty(t, res.Findings)
}
