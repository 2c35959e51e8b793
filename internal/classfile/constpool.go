package classfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// 常量池 tag
const (
	TagUtf8               uint8 = 1
	TagInteger            uint8 = 3
	TagFloat              uint8 = 4
	TagLong               uint8 = 5
	TagDouble             uint8 = 6
	TagClass              uint8 = 7
	TagString             uint8 = 8
	TagFieldref           uint8 = 9
	TagMethodref          uint8 = 10
	TagInterfaceMethodref uint8 = 11
	TagNameAndType        uint8 = 12
	TagMethodHandle       uint8 = 15
	TagMethodType         uint8 = 16
	TagDynamic            uint8 = 17
	TagInvokeDynamic      uint8 = 18
	TagModule             uint8 = 19
	TagPackage            uint8 = 20
)

// 各 tag 的定长负载字节数（Utf8 为变长，单独处理）
var constantPayloadSize = map[uint8]int{
	TagInteger:            4,
	TagFloat:              4,
	TagLong:               8,
	TagDouble:             8,
	TagClass:              2,
	TagString:             2,
	TagFieldref:           4,
	TagMethodref:          4,
	TagInterfaceMethodref: 4,
	TagNameAndType:        4,
	TagMethodHandle:       3,
	TagMethodType:         2,
	TagDynamic:            4,
	TagInvokeDynamic:      4,
	TagModule:             2,
	TagPackage:            2,
}

// Constant 常量池项
// Data 保存原始负载（Utf8 为 modified UTF-8 字节），保证序列化无损
type Constant struct {
	Tag  uint8
	Data []byte
}

// Ref 读取负载中第 n 个 u2 引用（Class/String/NameAndType 等）
func (c Constant) Ref(n int) uint16 {
	off := n * 2
	if off+2 > len(c.Data) {
		return 0
	}
	return binary.BigEndian.Uint16(c.Data[off:])
}

// wide 是否占两个常量池槽位
func (c Constant) wide() bool {
	return c.Tag == TagLong || c.Tag == TagDouble
}

// ConstantPool 常量池，下标从 1 开始；Long/Double 之后的槽位为空项（Tag 0）
type ConstantPool struct {
	entries []Constant
}

// Len 返回 constant_pool_count（即最大下标 + 1）
func (p *ConstantPool) Len() int {
	return len(p.entries)
}

// Get 按下标取常量
func (p *ConstantPool) Get(index uint16) (Constant, bool) {
	if index == 0 || int(index) >= len(p.entries) {
		return Constant{}, false
	}
	c := p.entries[index]
	if c.Tag == 0 {
		return Constant{}, false
	}
	return c, true
}

// Utf8 读取 CONSTANT_Utf8
func (p *ConstantPool) Utf8(index uint16) (string, error) {
	c, ok := p.Get(index)
	if !ok || c.Tag != TagUtf8 {
		return "", fmt.Errorf("%w: constant #%d is not Utf8", ErrMalformedClass, index)
	}
	return decodeMUTF8(c.Data), nil
}

// ClassName 读取 CONSTANT_Class 指向的内部类名
func (p *ConstantPool) ClassName(index uint16) (string, error) {
	c, ok := p.Get(index)
	if !ok || c.Tag != TagClass {
		return "", fmt.Errorf("%w: constant #%d is not Class", ErrMalformedClass, index)
	}
	return p.Utf8(c.Ref(0))
}

// StringValue 读取 CONSTANT_String 的值
func (p *ConstantPool) StringValue(index uint16) (string, bool) {
	c, ok := p.Get(index)
	if !ok || c.Tag != TagString {
		return "", false
	}
	s, err := p.Utf8(c.Ref(0))
	if err != nil {
		return "", false
	}
	return s, true
}

// FindUtf8 查找已有 Utf8 项
func (p *ConstantPool) FindUtf8(s string) (uint16, bool) {
	want := encodeMUTF8(s)
	for i, c := range p.entries {
		if c.Tag == TagUtf8 && string(c.Data) == string(want) {
			return uint16(i), true
		}
	}
	return 0, false
}

// FindString 查找值为 s 的 String 项（最小下标）
func (p *ConstantPool) FindString(s string) (uint16, bool) {
	for i, c := range p.entries {
		if c.Tag != TagString {
			continue
		}
		if v, ok := p.StringValue(uint16(i)); ok && v == s {
			return uint16(i), true
		}
	}
	return 0, false
}

// AddUtf8 查找或追加 Utf8 项
func (p *ConstantPool) AddUtf8(s string) (uint16, error) {
	if idx, ok := p.FindUtf8(s); ok {
		return idx, nil
	}
	data := encodeMUTF8(s)
	if len(data) > math.MaxUint16 {
		return 0, limitExceeded("utf8 constant of %d bytes", len(data))
	}
	return p.add(Constant{Tag: TagUtf8, Data: data})
}

// AddString 查找或追加 String 项
func (p *ConstantPool) AddString(s string) (uint16, error) {
	if idx, ok := p.FindString(s); ok {
		return idx, nil
	}
	return p.AppendString(s)
}

// AppendString 总是追加一个新的 String 项
func (p *ConstantPool) AppendString(s string) (uint16, error) {
	utf8Index, err := p.AddUtf8(s)
	if err != nil {
		return 0, err
	}
	return p.add(Constant{Tag: TagString, Data: u2(utf8Index)})
}

// AddClass 查找或追加 Class 项
func (p *ConstantPool) AddClass(internalName string) (uint16, error) {
	for i, c := range p.entries {
		if c.Tag != TagClass {
			continue
		}
		if name, err := p.Utf8(c.Ref(0)); err == nil && name == internalName {
			return uint16(i), nil
		}
	}
	nameIndex, err := p.AddUtf8(internalName)
	if err != nil {
		return 0, err
	}
	return p.add(Constant{Tag: TagClass, Data: u2(nameIndex)})
}

// retargetString 让已有 String 项指向另一个 Utf8
func (p *ConstantPool) retargetString(index uint16, s string) error {
	utf8Index, err := p.AddUtf8(s)
	if err != nil {
		return err
	}
	p.entries[index] = Constant{Tag: TagString, Data: u2(utf8Index)}
	return nil
}

func (p *ConstantPool) add(c Constant) (uint16, error) {
	if len(p.entries) == 0 {
		p.entries = append(p.entries, Constant{})
	}
	slots := 1
	if c.wide() {
		slots = 2
	}
	if len(p.entries)+slots > math.MaxUint16 {
		return 0, limitExceeded("constant pool is full")
	}
	index := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if c.wide() {
		p.entries = append(p.entries, Constant{})
	}
	return index, nil
}

func (p *ConstantPool) clone() *ConstantPool {
	out := &ConstantPool{entries: make([]Constant, len(p.entries))}
	for i, c := range p.entries {
		out.entries[i] = Constant{Tag: c.Tag, Data: append([]byte(nil), c.Data...)}
	}
	return out
}

// parseConstantPool 从 r 读取 count-1 个常量项
func parseConstantPool(r *reader, count uint16) (*ConstantPool, error) {
	if count == 0 {
		return nil, malformed(r.off, "constant_pool_count is zero")
	}
	pool := &ConstantPool{entries: make([]Constant, 1, count)}
	for i := 1; i < int(count); i++ {
		start := r.off
		tag := r.u1()
		var data []byte
		if tag == TagUtf8 {
			n := r.u2()
			data = r.bytes(int(n))
		} else {
			size, ok := constantPayloadSize[tag]
			if !ok {
				if r.err != nil {
					return nil, r.err
				}
				return nil, malformed(start, "unknown constant tag %d at #%d", tag, i)
			}
			data = r.bytes(size)
		}
		if r.err != nil {
			return nil, r.err
		}
		c := Constant{Tag: tag, Data: data}
		pool.entries = append(pool.entries, c)
		if c.wide() {
			if i+1 >= int(count) {
				return nil, malformed(start, "8-byte constant #%d overflows pool", i)
			}
			pool.entries = append(pool.entries, Constant{})
			i++
		}
	}
	return pool, nil
}

func (p *ConstantPool) write(w *writer) {
	w.u2(uint16(len(p.entries)))
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		if c.Tag == 0 {
			continue
		}
		w.u1(c.Tag)
		if c.Tag == TagUtf8 {
			w.u2(uint16(len(c.Data)))
		}
		w.raw(c.Data)
	}
}

func u2(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
