package classfile

import (
	"bytes"
	"fmt"
)

// MarkerMethodName AddMarkerMethod 追加的方法名；重名时追加 $1、$2 ...
const MarkerMethodName = "newMethod"

// WithField 追加字段，返回新模型
func WithField(cf *ClassFile, name, descriptor string, accessFlags uint16) (*ClassFile, error) {
	out := cf.Clone()
	nameIndex, err := out.Pool.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	descIndex, err := out.Pool.AddUtf8(descriptor)
	if err != nil {
		return nil, err
	}
	out.Fields = append(out.Fields, Member{
		AccessFlags:     accessFlags,
		NameIndex:       nameIndex,
		DescriptorIndex: descIndex,
	})
	return out, nil
}

// WithMarkerMethod 追加 public void newMethod() {}，max_stack/max_locals 按描述符计算
func WithMarkerMethod(cf *ClassFile) (*ClassFile, error) {
	out := cf.Clone()

	name := MarkerMethodName
	for i := 1; out.FindMethod(name, "()V") >= 0; i++ {
		name = fmt.Sprintf("%s$%d", MarkerMethodName, i)
	}

	maxLocals, err := argumentSlots("()V")
	if err != nil {
		return nil, err
	}
	maxLocals++ // this

	code := &Code{MaxStack: 0, MaxLocals: uint16(maxLocals), Bytecode: []byte{opReturn}}
	info, err := code.Encode()
	if err != nil {
		return nil, err
	}

	nameIndex, err := out.Pool.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	descIndex, err := out.Pool.AddUtf8("()V")
	if err != nil {
		return nil, err
	}
	codeIndex, err := out.Pool.AddUtf8("Code")
	if err != nil {
		return nil, err
	}
	out.Methods = append(out.Methods, Member{
		AccessFlags:     AccPublic,
		NameIndex:       nameIndex,
		DescriptorIndex: descIndex,
		Attributes:      []Attribute{{NameIndex: codeIndex, Info: info}},
	})
	return out, nil
}

// WithMethodAccess 替换 (name, descriptor) 方法的访问标志；未找到时 changed=false 且返回原模型
func WithMethodAccess(cf *ClassFile, name, descriptor string, accessFlags uint16) (*ClassFile, bool) {
	idx := cf.FindMethod(name, descriptor)
	if idx < 0 {
		return cf, false
	}
	out := cf.Clone()
	out.Methods[idx].AccessFlags = accessFlags
	return out, true
}

// WithStringLiteral 在 (methodName, methodDescriptor) 方法内把所有加载 oldLiteral 的 ldc/ldc_w
// 改为加载 newLiteral。方法或常量不存在时 changed=false 且返回原模型。
//
// 常量下标的选择顺序：
//  1. 已有值为 newLiteral 的 String 常量
//  2. 旧 String 常量只被该方法引用时，原地改指向新的 Utf8
//  3. 追加新的 String 常量
//
// 下标超过 255 且原指令为 ldc 时改写为 ldc_w 并重定位整个方法体。
func WithStringLiteral(cf *ClassFile, methodName, methodDescriptor, oldLiteral, newLiteral string) (*ClassFile, bool, error) {
	idx := cf.FindMethod(methodName, methodDescriptor)
	if idx < 0 {
		return cf, false, nil
	}
	codeAttr := cf.findAttribute(cf.Methods[idx].Attributes, "Code")
	if codeAttr < 0 {
		return cf, false, nil
	}
	code, err := ParseCode(cf.Methods[idx].Attributes[codeAttr].Info)
	if err != nil {
		return nil, false, err
	}
	insns, err := Instructions(code.Bytecode)
	if err != nil {
		return nil, false, err
	}

	var sites []Instruction
	oldIndexes := make(map[uint16]bool)
	for _, in := range insns {
		cpIndex, ok := constantOperand(code.Bytecode, in)
		if !ok {
			continue
		}
		if v, ok := cf.Pool.StringValue(cpIndex); ok && v == oldLiteral {
			sites = append(sites, in)
			oldIndexes[cpIndex] = true
		}
	}
	if len(sites) == 0 || oldLiteral == newLiteral {
		return cf, false, nil
	}

	out := cf.Clone()
	newIndex, retargeted, err := out.chooseStringIndex(idx, oldIndexes, newLiteral)
	if err != nil {
		return nil, false, err
	}
	if !retargeted {
		widen := make(map[int]bool)
		for _, in := range sites {
			switch {
			case in.Opcode == opLdcW:
				code.Bytecode[in.Offset+1] = byte(newIndex >> 8)
				code.Bytecode[in.Offset+2] = byte(newIndex)
			case newIndex <= 0xFF:
				code.Bytecode[in.Offset+1] = byte(newIndex)
			default:
				widen[in.Offset] = true
			}
		}
		if len(widen) > 0 {
			if err := out.widenLdc(code, widen, newIndex); err != nil {
				return nil, false, err
			}
		}
	}

	info, err := code.Encode()
	if err != nil {
		return nil, false, err
	}
	out.Methods[idx].Attributes[codeAttr].Info = info
	return out, true, nil
}

// chooseStringIndex 返回新字面量应使用的常量下标；retargeted=true 表示已原地修改旧常量，无需改写指令
func (cf *ClassFile) chooseStringIndex(methodIdx int, oldIndexes map[uint16]bool, newLiteral string) (uint16, bool, error) {
	if idx, ok := cf.Pool.FindString(newLiteral); ok {
		return idx, false, nil
	}

	if len(oldIndexes) == 1 {
		for oldIndex := range oldIndexes {
			shared, err := cf.constantReferencedOutside(oldIndex, methodIdx)
			if err != nil {
				return 0, false, err
			}
			if !shared {
				if err := cf.Pool.retargetString(oldIndex, newLiteral); err != nil {
					return 0, false, err
				}
				return oldIndex, true, nil
			}
		}
	}

	idx, err := cf.Pool.AppendString(newLiteral)
	return idx, false, err
}

// constantReferencedOutside 检查常量是否还被其他方法、ConstantValue 或 BootstrapMethods 引用
func (cf *ClassFile) constantReferencedOutside(cpIndex uint16, methodIdx int) (bool, error) {
	for i, m := range cf.Methods {
		if i == methodIdx {
			continue
		}
		a := cf.findAttribute(m.Attributes, "Code")
		if a < 0 {
			continue
		}
		code, err := ParseCode(m.Attributes[a].Info)
		if err != nil {
			return false, err
		}
		insns, err := Instructions(code.Bytecode)
		if err != nil {
			return false, err
		}
		for _, in := range insns {
			if idx, ok := constantOperand(code.Bytecode, in); ok && idx == cpIndex {
				return true, nil
			}
		}
	}

	for _, f := range cf.Fields {
		a := cf.findAttribute(f.Attributes, "ConstantValue")
		if a >= 0 && len(f.Attributes[a].Info) == 2 && (Constant{Data: f.Attributes[a].Info}).Ref(0) == cpIndex {
			return true, nil
		}
	}

	if a := cf.findAttribute(cf.Attributes, "BootstrapMethods"); a >= 0 {
		r := newReader(cf.Attributes[a].Info)
		n := r.u2()
		for i := 0; i < int(n) && r.err == nil; i++ {
			r.u2() // bootstrap_method_ref
			argc := r.u2()
			for j := 0; j < int(argc) && r.err == nil; j++ {
				if r.u2() == cpIndex {
					return true, nil
				}
			}
		}
		if r.err != nil {
			return false, r.err
		}
	}

	return false, nil
}

// AddField 在字段表末尾追加字段
func AddField(classBytes []byte, fieldName, descriptor string, accessFlags uint16) ([]byte, error) {
	cf, err := Parse(classBytes)
	if err != nil {
		return nil, err
	}
	out, err := WithField(cf, fieldName, descriptor, accessFlags)
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// AddMarkerMethod 追加一个空的 public void 无参方法，用于验证改写链路
func AddMarkerMethod(classBytes []byte) ([]byte, error) {
	cf, err := Parse(classBytes)
	if err != nil {
		return nil, err
	}
	out, err := WithMarkerMethod(cf)
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ChangeMemberAccess 修改方法访问标志；方法不存在时返回与输入逐字节相同的拷贝
func ChangeMemberAccess(classBytes []byte, memberName, memberDescriptor string, newAccessFlags uint16) ([]byte, error) {
	cf, err := Parse(classBytes)
	if err != nil {
		return nil, err
	}
	out, changed := WithMethodAccess(cf, memberName, memberDescriptor, newAccessFlags)
	if !changed {
		return bytes.Clone(classBytes), nil
	}
	return out.Bytes(), nil
}

// ReplaceStringLiteral 替换方法内的字符串常量加载；未命中时返回与输入逐字节相同的拷贝
func ReplaceStringLiteral(classBytes []byte, methodName, methodDescriptor, oldLiteral, newLiteral string) ([]byte, error) {
	cf, err := Parse(classBytes)
	if err != nil {
		return nil, err
	}
	out, changed, err := WithStringLiteral(cf, methodName, methodDescriptor, oldLiteral, newLiteral)
	if err != nil {
		return nil, err
	}
	if !changed {
		return bytes.Clone(classBytes), nil
	}
	return out.Bytes(), nil
}

// MethodStrings 返回方法内 ldc/ldc_w 加载的字符串常量（按指令顺序）
func (cf *ClassFile) MethodStrings(methodName, methodDescriptor string) ([]string, error) {
	idx := cf.FindMethod(methodName, methodDescriptor)
	if idx < 0 {
		return nil, nil
	}
	a := cf.findAttribute(cf.Methods[idx].Attributes, "Code")
	if a < 0 {
		return nil, nil
	}
	code, err := ParseCode(cf.Methods[idx].Attributes[a].Info)
	if err != nil {
		return nil, err
	}
	insns, err := Instructions(code.Bytecode)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, in := range insns {
		if cpIndex, ok := constantOperand(code.Bytecode, in); ok {
			if v, ok := cf.Pool.StringValue(cpIndex); ok {
				out = append(out, v)
			}
		}
	}
	return out, nil
}
