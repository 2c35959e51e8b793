package classfile

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

var classAccessNames = []struct {
	flag uint16
	name string
}{
	{AccPublic, "public"},
	{AccFinal, "final"},
	{AccInterface, "interface"},
	{AccAbstract, "abstract"},
	{AccSynthetic, "synthetic"},
	{AccAnnotation, "annotation"},
	{AccEnum, "enum"},
}

var fieldAccessNames = []struct {
	flag uint16
	name string
}{
	{AccPublic, "public"},
	{AccPrivate, "private"},
	{AccProtected, "protected"},
	{AccStatic, "static"},
	{AccFinal, "final"},
	{AccVolatile, "volatile"},
	{AccTransient, "transient"},
	{AccSynthetic, "synthetic"},
	{AccEnum, "enum"},
}

var methodAccessNames = []struct {
	flag uint16
	name string
}{
	{AccPublic, "public"},
	{AccPrivate, "private"},
	{AccProtected, "protected"},
	{AccStatic, "static"},
	{AccFinal, "final"},
	{AccSynchronized, "synchronized"},
	{AccBridge, "bridge"},
	{AccVarargs, "varargs"},
	{AccNative, "native"},
	{AccAbstract, "abstract"},
	{AccStrict, "strict"},
	{AccSynthetic, "synthetic"},
}

func accessString(flags uint16, names []struct {
	flag uint16
	name string
}) string {
	var parts []string
	for _, n := range names {
		if flags&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return fmt.Sprintf("0x%04x [%s]", flags, strings.Join(parts, " "))
}

// Disassemble 生成类文件的文本清单
func Disassemble(classBytes []byte) (string, error) {
	cf, err := Parse(classBytes)
	if err != nil {
		return "", err
	}
	return cf.Listing()
}

// Listing 生成文本清单：版本、访问标志、父类与接口、字段、方法及其指令
func (cf *ClassFile) Listing() (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "class %s\n", cf.Name())
	fmt.Fprintf(&b, "  version: %d.%d\n", cf.MajorVersion, cf.MinorVersion)
	fmt.Fprintf(&b, "  access: %s\n", accessString(cf.AccessFlags, classAccessNames))
	if super := cf.SuperName(); super != "" {
		fmt.Fprintf(&b, "  super: %s\n", super)
	}
	for _, i := range cf.Interfaces {
		name, _ := cf.Pool.ClassName(i)
		fmt.Fprintf(&b, "  implements: %s\n", name)
	}

	for _, f := range cf.Fields {
		name, desc := cf.MemberName(f)
		fmt.Fprintf(&b, "\nfield %s %s\n", name, desc)
		fmt.Fprintf(&b, "  access: %s\n", accessString(f.AccessFlags, fieldAccessNames))
	}

	for _, m := range cf.Methods {
		name, desc := cf.MemberName(m)
		fmt.Fprintf(&b, "\nmethod %s%s\n", name, desc)
		fmt.Fprintf(&b, "  access: %s\n", accessString(m.AccessFlags, methodAccessNames))
		a := cf.findAttribute(m.Attributes, "Code")
		if a < 0 {
			continue
		}
		code, err := ParseCode(m.Attributes[a].Info)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "  max_stack=%d max_locals=%d\n", code.MaxStack, code.MaxLocals)
		insns, err := Instructions(code.Bytecode)
		if err != nil {
			return "", err
		}
		for _, in := range insns {
			fmt.Fprintf(&b, "  %4d: %s%s\n", in.Offset, in.Name(), cf.operandText(code.Bytecode, in))
		}
		for _, h := range code.ExceptionTable {
			catch := "any"
			if h.CatchType != 0 {
				catch, _ = cf.Pool.ClassName(h.CatchType)
			}
			fmt.Fprintf(&b, "  try %d..%d -> %d %s\n", h.StartPC, h.EndPC, h.HandlerPC, catch)
		}
	}
	return b.String(), nil
}

// operandText 渲染指令操作数；常量池引用带上可读的值
func (cf *ClassFile) operandText(code []byte, in Instruction) string {
	ops := code[in.Offset+1 : in.Offset+in.Length]
	switch {
	case in.Opcode == opLdc || in.Opcode == opLdcW || in.Opcode == opLdc2W:
		var idx uint16
		if in.Opcode == opLdc {
			idx = uint16(ops[0])
		} else {
			idx = binary.BigEndian.Uint16(ops)
		}
		return fmt.Sprintf(" #%d %s", idx, cf.constantText(idx))
	case isBranch16(in.Opcode):
		return fmt.Sprintf(" %d", in.Offset+int(int16(binary.BigEndian.Uint16(ops))))
	case in.Opcode == opGotoW || in.Opcode == opJsrW:
		return fmt.Sprintf(" %d", in.Offset+int(int32(binary.BigEndian.Uint32(ops))))
	case in.Opcode >= 0xb2 && in.Opcode <= 0xbd && in.Opcode != 0xbc, in.Opcode == 0xc0, in.Opcode == 0xc1:
		idx := binary.BigEndian.Uint16(ops)
		return fmt.Sprintf(" #%d %s", idx, cf.constantText(idx))
	case in.Opcode == opTableswitch || in.Opcode == opLookupswitch:
		return fmt.Sprintf(" (%d bytes)", in.Length)
	case len(ops) > 0:
		parts := make([]string, len(ops))
		for i, o := range ops {
			parts[i] = strconv.Itoa(int(o))
		}
		return " " + strings.Join(parts, " ")
	}
	return ""
}

// constantText 常量的可读形式
func (cf *ClassFile) constantText(idx uint16) string {
	c, ok := cf.Pool.Get(idx)
	if !ok {
		return "<invalid>"
	}
	switch c.Tag {
	case TagString:
		s, _ := cf.Pool.StringValue(idx)
		return strconv.Quote(s)
	case TagClass:
		name, _ := cf.Pool.ClassName(idx)
		return name
	case TagInteger:
		return strconv.Itoa(int(int32(binary.BigEndian.Uint32(c.Data))))
	case TagLong:
		return strconv.FormatInt(int64(binary.BigEndian.Uint64(c.Data)), 10) + "L"
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
		owner, _ := cf.Pool.ClassName(c.Ref(0))
		nt, ok := cf.Pool.Get(c.Ref(1))
		if !ok {
			return owner
		}
		name, _ := cf.Pool.Utf8(nt.Ref(0))
		desc, _ := cf.Pool.Utf8(nt.Ref(1))
		return owner + "." + name + ":" + desc
	}
	return fmt.Sprintf("<tag %d>", c.Tag)
}

// DiffListings 两份清单的 unified diff，相同时返回空串
func DiffListings(fromName, toName, from, to string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}

// ParseAccess 解析访问标志：数字（支持 0x 前缀）或逗号分隔的修饰符名，如 "public,static"
func ParseAccess(s string, method bool) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 16); err == nil {
		return uint16(n), nil
	}

	names := fieldAccessNames
	if method {
		names = methodAccessNames
	}
	var flags uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, n := range names {
			if n.name == part {
				flags |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown access modifier %q", part)
		}
	}
	return flags, nil
}
