package classfile

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addMethod 测试辅助：向模型追加一个带 Code 属性的方法
func addMethod(t *testing.T, cf *ClassFile, name, desc string, access uint16, code *Code) {
	t.Helper()
	n, err := cf.Pool.AddUtf8(name)
	require.NoError(t, err)
	d, err := cf.Pool.AddUtf8(desc)
	require.NoError(t, err)
	c, err := cf.Pool.AddUtf8("Code")
	require.NoError(t, err)
	info, err := code.Encode()
	require.NoError(t, err)
	cf.Methods = append(cf.Methods, Member{
		AccessFlags:     access,
		NameIndex:       n,
		DescriptorIndex: d,
		Attributes:      []Attribute{{NameIndex: c, Info: info}},
	})
}

// secretClass 构造 demo/Secret：greet()Ljava/lang/String; 返回 "secret"
func secretClass(t *testing.T) *ClassFile {
	t.Helper()
	cf, err := NewClass("demo/Secret", "java/lang/Object", AccPublic|AccSuper)
	require.NoError(t, err)
	s, err := cf.Pool.AddString("secret")
	require.NoError(t, err)
	require.LessOrEqual(t, s, uint16(0xFF))

	addMethod(t, cf, "greet", "()Ljava/lang/String;", AccPublic, &Code{
		MaxStack: 1, MaxLocals: 1,
		Bytecode: []byte{opLdc, byte(s), 0xb0}, // ldc; areturn
	})
	addMethod(t, cf, "run", "()V", AccPublic, &Code{MaxStack: 0, MaxLocals: 1, Bytecode: []byte{opReturn}})
	addMethod(t, cf, "run", "(I)V", AccPublic, &Code{MaxStack: 0, MaxLocals: 2, Bytecode: []byte{opReturn}})
	return cf
}

func TestParse_RoundTrip(t *testing.T) {
	cf := secretClass(t)
	f, err := WithField(cf, "count", "I", AccPrivate)
	require.NoError(t, err)

	data := f.Bytes()
	parsed, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "demo/Secret", parsed.Name())
	assert.Equal(t, "java/lang/Object", parsed.SuperName())
	assert.Len(t, parsed.Methods, 3)
	assert.Len(t, parsed.Fields, 1)
	assert.Equal(t, data, parsed.Bytes(), "serialisation must be lossless")
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 52}},
		{"truncated", secretClass(t).Bytes()[:40]},
		{"trailing", append(secretClass(t).Bytes(), 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedClass))
			var mce *MalformedClassError
			assert.True(t, errors.As(err, &mce))
		})
	}
}

func TestAddField(t *testing.T) {
	in := secretClass(t).Bytes()
	orig := bytes.Clone(in)

	out, err := AddField(in, "token", "Ljava/lang/String;", AccPrivate|AccStatic)
	require.NoError(t, err)
	assert.Equal(t, orig, in, "input must not be mutated")

	cf, err := Parse(out)
	require.NoError(t, err)
	idx := cf.FindField("token", "Ljava/lang/String;")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, AccPrivate|AccStatic, cf.Fields[idx].AccessFlags)
}

func TestAddField_MalformedInput(t *testing.T) {
	_, err := AddField([]byte("not a class"), "x", "I", AccPublic)
	assert.ErrorIs(t, err, ErrMalformedClass)
}

func TestAddMarkerMethod(t *testing.T) {
	out, err := AddMarkerMethod(secretClass(t).Bytes())
	require.NoError(t, err)

	cf, err := Parse(out)
	require.NoError(t, err)
	idx := cf.FindMethod(MarkerMethodName, "()V")
	require.GreaterOrEqual(t, idx, 0)
	m := cf.Methods[idx]
	assert.Equal(t, AccPublic, m.AccessFlags)

	code, err := ParseCode(m.Attributes[0].Info)
	require.NoError(t, err)
	assert.Equal(t, []byte{opReturn}, code.Bytecode)
	assert.Equal(t, uint16(0), code.MaxStack)
	assert.Equal(t, uint16(1), code.MaxLocals)

	// 再追加一次得到不重名的方法
	out2, err := AddMarkerMethod(out)
	require.NoError(t, err)
	cf2, err := Parse(out2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cf2.FindMethod(MarkerMethodName+"$1", "()V"), 0)
}

func TestChangeMemberAccess(t *testing.T) {
	in := secretClass(t).Bytes()

	t.Run("overload resolved by descriptor", func(t *testing.T) {
		out, err := ChangeMemberAccess(in, "run", "(I)V", AccPrivate|AccFinal)
		require.NoError(t, err)
		cf, err := Parse(out)
		require.NoError(t, err)
		assert.Equal(t, AccPrivate|AccFinal, cf.Methods[cf.FindMethod("run", "(I)V")].AccessFlags)
		assert.Equal(t, AccPublic, cf.Methods[cf.FindMethod("run", "()V")].AccessFlags)
	})

	t.Run("missing member is a byte-identical no-op", func(t *testing.T) {
		out, err := ChangeMemberAccess(in, "run", "(J)V", AccPrivate)
		require.NoError(t, err)
		assert.Equal(t, in, out)
		out[0] = 0
		assert.Equal(t, byte(0xCA), in[0], "no-op result must be a copy")
	})

	t.Run("model level reports no change", func(t *testing.T) {
		cf := secretClass(t)
		_, changed := WithMethodAccess(cf, "missing", "()V", AccPublic)
		assert.False(t, changed)
	})
}

func TestReplaceStringLiteral(t *testing.T) {
	in := secretClass(t).Bytes()
	orig := bytes.Clone(in)

	out, err := ReplaceStringLiteral(in, "greet", "()Ljava/lang/String;", "secret", "public")
	require.NoError(t, err)
	assert.Equal(t, orig, in)

	cf, err := Parse(out)
	require.NoError(t, err)
	strs, err := cf.MethodStrings("greet", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, strs)

	listing, err := Disassemble(out)
	require.NoError(t, err)
	assert.Contains(t, listing, `"public"`)
	assert.NotContains(t, listing, `"secret"`)
}

func TestReplaceStringLiteral_NoMatch(t *testing.T) {
	in := secretClass(t).Bytes()

	tests := []struct {
		name, method, desc, old string
	}{
		{"unknown method", "nope", "()V", "secret"},
		{"wrong descriptor", "greet", "()V", "secret"},
		{"substring only", "greet", "()Ljava/lang/String;", "secre"},
		{"method without literal", "run", "()V", "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ReplaceStringLiteral(in, tt.method, tt.desc, tt.old, "x")
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestReplaceStringLiteral_SharedConstant(t *testing.T) {
	cf := secretClass(t)
	s, _ := cf.Pool.FindString("secret")
	addMethod(t, cf, "other", "()Ljava/lang/String;", AccPublic, &Code{
		MaxStack: 1, MaxLocals: 1, Bytecode: []byte{opLdc, byte(s), 0xb0},
	})

	out, changed, err := WithStringLiteral(cf, "greet", "()Ljava/lang/String;", "secret", "public")
	require.NoError(t, err)
	require.True(t, changed)

	greet, err := out.MethodStrings("greet", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, greet)

	other, err := out.MethodStrings("other", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, []string{"secret"}, other, "other method keeps its constant")

	// 原模型不受影响
	orig, err := cf.MethodStrings("greet", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, []string{"secret"}, orig)
}

func TestReplaceStringLiteral_ReusesExistingConstant(t *testing.T) {
	cf := secretClass(t)
	existing, err := cf.Pool.AddString("public")
	require.NoError(t, err)
	before := cf.Pool.Len()

	out, changed, err := WithStringLiteral(cf, "greet", "()Ljava/lang/String;", "secret", "public")
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, before, out.Pool.Len(), "no new constant needed")

	code, err := ParseCode(out.Methods[out.FindMethod("greet", "()Ljava/lang/String;")].Attributes[0].Info)
	require.NoError(t, err)
	assert.Equal(t, byte(existing), code.Bytecode[1])
}

func TestReplaceStringLiteral_WidensLdc(t *testing.T) {
	cf, err := NewClass("demo/Wide", "java/lang/Object", AccPublic|AccSuper)
	require.NoError(t, err)
	s, err := cf.Pool.AddString("secret")
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		_, err := cf.Pool.AddUtf8(fmt.Sprintf("pad%d", i))
		require.NoError(t, err)
	}
	lnt, err := cf.Pool.AddUtf8("LineNumberTable")
	require.NoError(t, err)
	smt, err := cf.Pool.AddUtf8("StackMapTable")
	require.NoError(t, err)

	//  0: iconst_0
	//  1: ifeq 7
	//  4: ldc "secret"
	//  6: pop
	//  7: return
	addMethod(t, cf, "check", "()V", AccPublic|AccStatic, &Code{
		MaxStack: 1, MaxLocals: 0,
		Bytecode:       []byte{0x03, opIfeq, 0x00, 0x06, opLdc, byte(s), 0x57, opReturn},
		ExceptionTable: []ExceptionHandler{{StartPC: 4, EndPC: 7, HandlerPC: 7}},
		Attributes: []Attribute{
			{NameIndex: lnt, Info: []byte{0, 3, 0, 0, 0, 10, 0, 4, 0, 11, 0, 7, 0, 12}},
			{NameIndex: smt, Info: []byte{0, 1, 7}},
		},
	})
	// 第二个方法共享 "secret"，迫使追加新常量
	addMethod(t, cf, "keep", "()V", AccPublic|AccStatic, &Code{
		MaxStack: 1, MaxLocals: 0, Bytecode: []byte{opLdc, byte(s), 0x57, opReturn},
	})

	out, err := ReplaceStringLiteral(cf.Bytes(), "check", "()V", "secret", "public")
	require.NoError(t, err)

	parsed, err := Parse(out)
	require.NoError(t, err)
	newIndex, ok := parsed.Pool.FindString("public")
	require.True(t, ok)
	require.Greater(t, newIndex, uint16(0xFF))

	code, err := ParseCode(parsed.Methods[parsed.FindMethod("check", "()V")].Attributes[0].Info)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x03,
		opIfeq, 0x00, 0x07,
		opLdcW, byte(newIndex >> 8), byte(newIndex),
		0x57,
		opReturn,
	}, code.Bytecode)
	assert.Equal(t, []ExceptionHandler{{StartPC: 4, EndPC: 8, HandlerPC: 8}}, code.ExceptionTable)
	assert.Equal(t, []byte{0, 3, 0, 0, 0, 10, 0, 4, 0, 11, 0, 8, 0, 12}, code.Attributes[0].Info)
	assert.Equal(t, []byte{0, 1, 8}, code.Attributes[1].Info)

	keep, err := parsed.MethodStrings("keep", "()V")
	require.NoError(t, err)
	assert.Equal(t, []string{"secret"}, keep)
}

func TestInstructions_Switch(t *testing.T) {
	// 0: iconst_0
	// 1: tableswitch pad=2 default=+23 low=0 high=1 -> +23 +23
	// 24: return
	code := []byte{0x03, opTableswitch, 0, 0,
		0, 0, 0, 23,
		0, 0, 0, 0,
		0, 0, 0, 1,
		0, 0, 0, 23,
		0, 0, 0, 23,
		opReturn}
	insns, err := Instructions(code)
	require.NoError(t, err)
	require.Len(t, insns, 3)
	assert.Equal(t, 23, insns[1].Length)
	assert.Equal(t, "tableswitch", insns[1].Name())
	assert.Equal(t, 24, insns[2].Offset)

	_, err = Instructions([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedClass)
}

func TestArgumentSlots(t *testing.T) {
	tests := map[string]int{
		"()V":                      0,
		"(I)V":                     1,
		"(JD)V":                    4,
		"(Ljava/lang/String;[I)V":  2,
		"([[Ljava/lang/Object;Z)I": 2,
	}
	for desc, want := range tests {
		got, err := argumentSlots(desc)
		require.NoError(t, err, desc)
		assert.Equal(t, want, got, desc)
	}
	_, err := argumentSlots("V")
	assert.Error(t, err)
}

func TestMUTF8(t *testing.T) {
	for _, s := range []string{"", "plain", "nul\x00byte", "ünïcödé", "emoji 😀"} {
		enc := encodeMUTF8(s)
		assert.NotContains(t, enc, byte(0), s)
		assert.Equal(t, s, decodeMUTF8(enc), s)
	}
}

func TestDiffListings(t *testing.T) {
	before, err := secretClass(t).Listing()
	require.NoError(t, err)

	out, err := ReplaceStringLiteral(secretClass(t).Bytes(), "greet", "()Ljava/lang/String;", "secret", "public")
	require.NoError(t, err)
	after, err := Disassemble(out)
	require.NoError(t, err)

	diff, err := DiffListings("stored", "current", before, after)
	require.NoError(t, err)
	assert.Contains(t, diff, "--- stored")
	assert.Contains(t, diff, "+++ current")
	assert.Contains(t, diff, `-     0: ldc`)
	assert.Contains(t, diff, `"public"`)

	same, err := DiffListings("a", "b", before, before)
	require.NoError(t, err)
	assert.Empty(t, same)
}

func TestParseAccess(t *testing.T) {
	tests := []struct {
		in     string
		method bool
		want   uint16
		err    bool
	}{
		{"", true, 0, false},
		{"0x0009", true, AccPublic | AccStatic, false},
		{"2", false, AccPrivate, false},
		{"public, static", true, AccPublic | AccStatic, false},
		{"private,final", false, AccPrivate | AccFinal, false},
		{"synchronized", true, AccSynchronized, false},
		{"synchronized", false, 0, true},
		{"bogus", true, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAccess(tt.in, tt.method)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
