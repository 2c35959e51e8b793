// Package classfile 提供 JVM 类文件的解析模型、无损序列化以及结构化改写。
//
// 改写操作都是纯函数：输入一个 *ClassFile，返回新的 *ClassFile，原模型不变；
// 字节级包装函数（AddField、ReplaceStringLiteral 等）负责 Parse -> 改写 -> Bytes。
package classfile

import (
	"fmt"
)

// Magic 类文件魔数
const Magic uint32 = 0xCAFEBABE

// 访问标志
const (
	AccPublic       uint16 = 0x0001
	AccPrivate      uint16 = 0x0002
	AccProtected    uint16 = 0x0004
	AccStatic       uint16 = 0x0008
	AccFinal        uint16 = 0x0010
	AccSuper        uint16 = 0x0020
	AccSynchronized uint16 = 0x0020
	AccVolatile     uint16 = 0x0040
	AccBridge       uint16 = 0x0040
	AccTransient    uint16 = 0x0080
	AccVarargs      uint16 = 0x0080
	AccNative       uint16 = 0x0100
	AccInterface    uint16 = 0x0200
	AccAbstract     uint16 = 0x0400
	AccStrict       uint16 = 0x0800
	AccSynthetic    uint16 = 0x1000
	AccAnnotation   uint16 = 0x2000
	AccEnum         uint16 = 0x4000
)

// Attribute 原样保留的属性
type Attribute struct {
	NameIndex uint16
	Info      []byte
}

// Member 字段或方法
type Member struct {
	AccessFlags     uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Attributes      []Attribute
}

// ClassFile 解析后的类文件模型
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	Pool         *ConstantPool
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16
	Interfaces   []uint16
	Fields       []Member
	Methods      []Member
	Attributes   []Attribute
}

// Parse 解析类文件字节；不会修改或持有 data
func Parse(data []byte) (*ClassFile, error) {
	r := newReader(data)
	if magic := r.u4(); r.err == nil && magic != Magic {
		return nil, malformed(0, "bad magic 0x%08X", magic)
	}

	cf := &ClassFile{}
	cf.MinorVersion = r.u2()
	cf.MajorVersion = r.u2()
	poolCount := r.u2()
	if r.err != nil {
		return nil, r.err
	}

	pool, err := parseConstantPool(r, poolCount)
	if err != nil {
		return nil, err
	}
	cf.Pool = pool

	cf.AccessFlags = r.u2()
	cf.ThisClass = r.u2()
	cf.SuperClass = r.u2()
	ifaceCount := r.u2()
	for i := 0; i < int(ifaceCount) && r.err == nil; i++ {
		cf.Interfaces = append(cf.Interfaces, r.u2())
	}
	cf.Fields = parseMembers(r)
	cf.Methods = parseMembers(r)
	cf.Attributes = parseAttributes(r)
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, malformed(r.off, "%d trailing bytes", r.remaining())
	}

	if err := cf.validate(); err != nil {
		return nil, err
	}
	return cf, nil
}

func parseMembers(r *reader) []Member {
	count := r.u2()
	members := make([]Member, 0, count)
	for i := 0; i < int(count) && r.err == nil; i++ {
		m := Member{
			AccessFlags:     r.u2(),
			NameIndex:       r.u2(),
			DescriptorIndex: r.u2(),
		}
		m.Attributes = parseAttributes(r)
		members = append(members, m)
	}
	return members
}

func parseAttributes(r *reader) []Attribute {
	count := r.u2()
	attrs := make([]Attribute, 0, count)
	for i := 0; i < int(count) && r.err == nil; i++ {
		nameIndex := r.u2()
		length := r.u4()
		if r.err == nil && int64(length) > int64(r.remaining()) {
			r.err = malformed(r.off, "attribute length %d exceeds remaining %d bytes", length, r.remaining())
			break
		}
		attrs = append(attrs, Attribute{NameIndex: nameIndex, Info: r.bytes(int(length))})
	}
	return attrs
}

// validate 检查结构引用是否指向正确类型的常量
func (cf *ClassFile) validate() error {
	if _, err := cf.Pool.ClassName(cf.ThisClass); err != nil {
		return malformed(0, "this_class: %v", err)
	}
	if cf.SuperClass != 0 {
		if _, err := cf.Pool.ClassName(cf.SuperClass); err != nil {
			return malformed(0, "super_class: %v", err)
		}
	}
	for _, group := range [][]Member{cf.Fields, cf.Methods} {
		for i, m := range group {
			if _, err := cf.Pool.Utf8(m.NameIndex); err != nil {
				return malformed(0, "member %d name: %v", i, err)
			}
			if _, err := cf.Pool.Utf8(m.DescriptorIndex); err != nil {
				return malformed(0, "member %d descriptor: %v", i, err)
			}
			if err := cf.validateAttributes(m.Attributes); err != nil {
				return err
			}
		}
	}
	return cf.validateAttributes(cf.Attributes)
}

func (cf *ClassFile) validateAttributes(attrs []Attribute) error {
	for _, a := range attrs {
		if _, err := cf.Pool.Utf8(a.NameIndex); err != nil {
			return malformed(0, "attribute name: %v", err)
		}
	}
	return nil
}

// Bytes 序列化模型；未修改的部分逐字节保留
func (cf *ClassFile) Bytes() []byte {
	w := &writer{}
	w.u4(Magic)
	w.u2(cf.MinorVersion)
	w.u2(cf.MajorVersion)
	cf.Pool.write(w)
	w.u2(cf.AccessFlags)
	w.u2(cf.ThisClass)
	w.u2(cf.SuperClass)
	w.u2(uint16(len(cf.Interfaces)))
	for _, i := range cf.Interfaces {
		w.u2(i)
	}
	writeMembers(w, cf.Fields)
	writeMembers(w, cf.Methods)
	writeAttributes(w, cf.Attributes)
	return w.Bytes()
}

func writeMembers(w *writer, members []Member) {
	w.u2(uint16(len(members)))
	for _, m := range members {
		w.u2(m.AccessFlags)
		w.u2(m.NameIndex)
		w.u2(m.DescriptorIndex)
		writeAttributes(w, m.Attributes)
	}
}

func writeAttributes(w *writer, attrs []Attribute) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.u2(a.NameIndex)
		w.u4(uint32(len(a.Info)))
		w.raw(a.Info)
	}
}

// Clone 深拷贝
func (cf *ClassFile) Clone() *ClassFile {
	out := *cf
	out.Pool = cf.Pool.clone()
	out.Interfaces = append([]uint16(nil), cf.Interfaces...)
	out.Fields = cloneMembers(cf.Fields)
	out.Methods = cloneMembers(cf.Methods)
	out.Attributes = cloneAttributes(cf.Attributes)
	return &out
}

func cloneMembers(in []Member) []Member {
	out := make([]Member, len(in))
	for i, m := range in {
		out[i] = m
		out[i].Attributes = cloneAttributes(m.Attributes)
	}
	return out
}

func cloneAttributes(in []Attribute) []Attribute {
	out := make([]Attribute, len(in))
	for i, a := range in {
		out[i] = Attribute{NameIndex: a.NameIndex, Info: append([]byte(nil), a.Info...)}
	}
	return out
}

// Name 返回内部类名（斜杠分隔）
func (cf *ClassFile) Name() string {
	name, _ := cf.Pool.ClassName(cf.ThisClass)
	return name
}

// SuperName 返回父类内部类名，java/lang/Object 之上为空
func (cf *ClassFile) SuperName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	name, _ := cf.Pool.ClassName(cf.SuperClass)
	return name
}

// MemberName 返回成员名与描述符
func (cf *ClassFile) MemberName(m Member) (name, descriptor string) {
	name, _ = cf.Pool.Utf8(m.NameIndex)
	descriptor, _ = cf.Pool.Utf8(m.DescriptorIndex)
	return name, descriptor
}

// FindMethod 按 (name, descriptor) 精确定位方法，未找到返回 -1
func (cf *ClassFile) FindMethod(name, descriptor string) int {
	return cf.findMember(cf.Methods, name, descriptor)
}

// FindField 按 (name, descriptor) 精确定位字段，未找到返回 -1
func (cf *ClassFile) FindField(name, descriptor string) int {
	return cf.findMember(cf.Fields, name, descriptor)
}

func (cf *ClassFile) findMember(members []Member, name, descriptor string) int {
	for i, m := range members {
		n, d := cf.MemberName(m)
		if n == name && d == descriptor {
			return i
		}
	}
	return -1
}

// AttributeName 返回属性名
func (cf *ClassFile) AttributeName(a Attribute) string {
	name, _ := cf.Pool.Utf8(a.NameIndex)
	return name
}

// findAttribute 返回名为 name 的属性下标，未找到返回 -1
func (cf *ClassFile) findAttribute(attrs []Attribute, name string) int {
	for i, a := range attrs {
		if cf.AttributeName(a) == name {
			return i
		}
	}
	return -1
}

// NewClass 构造一个最小可用的类（默认 Java 8 版本号，无成员）
func NewClass(internalName, superName string, accessFlags uint16) (*ClassFile, error) {
	cf := &ClassFile{
		MajorVersion: 52,
		Pool:         &ConstantPool{entries: []Constant{{}}},
		AccessFlags:  accessFlags,
	}
	var err error
	if cf.ThisClass, err = cf.Pool.AddClass(internalName); err != nil {
		return nil, err
	}
	if superName != "" {
		if cf.SuperClass, err = cf.Pool.AddClass(superName); err != nil {
			return nil, err
		}
	}
	return cf, nil
}

// String 便于日志输出
func (cf *ClassFile) String() string {
	return fmt.Sprintf("%s (v%d.%d, %d fields, %d methods)",
		cf.Name(), cf.MajorVersion, cf.MinorVersion, len(cf.Fields), len(cf.Methods))
}
