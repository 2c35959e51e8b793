package classfile

import (
	"encoding/binary"
	"math"
)

// 用到的操作码
const (
	opLdc          = 0x12
	opLdcW         = 0x13
	opLdc2W        = 0x14
	opIfeq         = 0x99
	opJsr          = 0xa8
	opTableswitch  = 0xaa
	opLookupswitch = 0xab
	opReturn       = 0xb1
	opWide         = 0xc4
	opIinc         = 0x84
	opIfnull       = 0xc6
	opIfnonnull    = 0xc7
	opGotoW        = 0xc8
	opJsrW         = 0xc9
)

// opNames 操作码助记符，下标即操作码
var opNames = []string{"nop", "aconst_null", "iconst_m1", "iconst_0", "iconst_1", "iconst_2", "iconst_3", "iconst_4", "iconst_5", "lconst_0", "lconst_1", "fconst_0", "fconst_1", "fconst_2", "dconst_0", "dconst_1", "bipush", "sipush", "ldc", "ldc_w", "ldc2_w", "iload", "lload", "fload", "dload", "aload", "iload_0", "iload_1", "iload_2", "iload_3", "lload_0", "lload_1", "lload_2", "lload_3", "fload_0", "fload_1", "fload_2", "fload_3", "dload_0", "dload_1", "dload_2", "dload_3", "aload_0", "aload_1", "aload_2", "aload_3", "iaload", "laload", "faload", "daload", "aaload", "baload", "caload", "saload", "istore", "lstore", "fstore", "dstore", "astore", "istore_0", "istore_1", "istore_2", "istore_3", "lstore_0", "lstore_1", "lstore_2", "lstore_3", "fstore_0", "fstore_1", "fstore_2", "fstore_3", "dstore_0", "dstore_1", "dstore_2", "dstore_3", "astore_0", "astore_1", "astore_2", "astore_3", "iastore", "lastore", "fastore", "dastore", "aastore", "bastore", "castore", "sastore", "pop", "pop2", "dup", "dup_x1", "dup_x2", "dup2", "dup2_x1", "dup2_x2", "swap", "iadd", "ladd", "fadd", "dadd", "isub", "lsub", "fsub", "dsub", "imul", "lmul", "fmul", "dmul", "idiv", "ldiv", "fdiv", "ddiv", "irem", "lrem", "frem", "drem", "ineg", "lneg", "fneg", "dneg", "ishl", "lshl", "ishr", "lshr", "iushr", "lushr", "iand", "land", "ior", "lor", "ixor", "lxor", "iinc", "i2l", "i2f", "i2d", "l2i", "l2f", "l2d", "f2i", "f2l", "f2d", "d2i", "d2l", "d2f", "i2b", "i2c", "i2s", "lcmp", "fcmpl", "fcmpg", "dcmpl", "dcmpg", "ifeq", "ifne", "iflt", "ifge", "ifgt", "ifle", "if_icmpeq", "if_icmpne", "if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple", "if_acmpeq", "if_acmpne", "goto", "jsr", "ret", "tableswitch", "lookupswitch", "ireturn", "lreturn", "freturn", "dreturn", "areturn", "return", "getstatic", "putstatic", "getfield", "putfield", "invokevirtual", "invokespecial", "invokestatic", "invokeinterface", "invokedynamic", "new", "newarray", "anewarray", "arraylength", "athrow", "checkcast", "instanceof", "monitorenter", "monitorexit", "wide", "multianewarray", "ifnull", "ifnonnull", "goto_w", "jsr_w"}

// opOperandSize 定长指令的操作数字节数；-1 表示变长
func opOperandSize(op uint8) int {
	switch {
	case op <= 0x0f:
		return 0
	case op == 0x10, op == opLdc:
		return 1
	case op == 0x11, op == opLdcW, op == opLdc2W:
		return 2
	case op >= 0x15 && op <= 0x19:
		return 1
	case op >= 0x1a && op <= 0x35:
		return 0
	case op >= 0x36 && op <= 0x3a:
		return 1
	case op >= 0x3b && op <= 0x83:
		return 0
	case op == opIinc:
		return 2
	case op >= 0x85 && op <= 0x98:
		return 0
	case op >= opIfeq && op <= opJsr:
		return 2
	case op == 0xa9:
		return 1
	case op == opTableswitch, op == opLookupswitch, op == opWide:
		return -1
	case op >= 0xac && op <= opReturn:
		return 0
	case op >= 0xb2 && op <= 0xb8:
		return 2
	case op == 0xb9, op == 0xba:
		return 4
	case op == 0xbb:
		return 2
	case op == 0xbc:
		return 1
	case op == 0xbd:
		return 2
	case op == 0xbe, op == 0xbf:
		return 0
	case op == 0xc0, op == 0xc1:
		return 2
	case op == 0xc2, op == 0xc3:
		return 0
	case op == 0xc5:
		return 3
	case op == opIfnull, op == opIfnonnull:
		return 2
	case op == opGotoW, op == opJsrW:
		return 4
	}
	return -2
}

// isBranch16 带 s2 相对偏移的跳转指令
func isBranch16(op uint8) bool {
	return (op >= opIfeq && op <= opJsr) || op == opIfnull || op == opIfnonnull
}

// ExceptionHandler 异常表项
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// Code 解析后的 Code 属性
type Code struct {
	MaxStack       uint16
	MaxLocals      uint16
	Bytecode       []byte
	ExceptionTable []ExceptionHandler
	Attributes     []Attribute
}

// ParseCode 解析 Code 属性负载
func ParseCode(info []byte) (*Code, error) {
	r := newReader(info)
	c := &Code{MaxStack: r.u2(), MaxLocals: r.u2()}
	length := r.u4()
	if r.err == nil && int64(length) > int64(r.remaining()) {
		return nil, malformed(r.off, "code_length %d exceeds attribute", length)
	}
	c.Bytecode = r.bytes(int(length))
	n := r.u2()
	for i := 0; i < int(n) && r.err == nil; i++ {
		c.ExceptionTable = append(c.ExceptionTable, ExceptionHandler{
			StartPC: r.u2(), EndPC: r.u2(), HandlerPC: r.u2(), CatchType: r.u2(),
		})
	}
	c.Attributes = parseAttributes(r)
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, malformed(r.off, "%d trailing bytes in Code attribute", r.remaining())
	}
	return c, nil
}

// Encode 序列化 Code 属性负载，code_length 等派生长度在此重新计算
func (c *Code) Encode() ([]byte, error) {
	if len(c.Bytecode) == 0 || len(c.Bytecode) >= math.MaxUint16 {
		return nil, limitExceeded("code length %d", len(c.Bytecode))
	}
	w := &writer{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Bytecode)))
	w.raw(c.Bytecode)
	w.u2(uint16(len(c.ExceptionTable)))
	for _, h := range c.ExceptionTable {
		w.u2(h.StartPC)
		w.u2(h.EndPC)
		w.u2(h.HandlerPC)
		w.u2(h.CatchType)
	}
	writeAttributes(w, c.Attributes)
	return w.Bytes(), nil
}

// Instruction 一条已解码指令
type Instruction struct {
	Offset int
	Opcode uint8
	Length int
}

// Name 助记符
func (in Instruction) Name() string {
	if int(in.Opcode) < len(opNames) {
		return opNames[in.Opcode]
	}
	return "invalid"
}

// switchPadding tableswitch/lookupswitch 操作数按 4 字节对齐所需填充
func switchPadding(offset int) int {
	return (4 - (offset+1)%4) % 4
}

// instructionLength 计算 offset 处指令总长度
func instructionLength(code []byte, offset int) (int, error) {
	op := code[offset]
	size := opOperandSize(op)
	switch {
	case size >= 0:
		return 1 + size, nil
	case size == -2:
		return 0, malformed(offset, "invalid opcode 0x%02x", op)
	}

	switch op {
	case opWide:
		if offset+1 >= len(code) {
			return 0, malformed(offset, "truncated wide instruction")
		}
		if code[offset+1] == opIinc {
			return 6, nil
		}
		return 4, nil
	case opTableswitch:
		base := offset + 1 + switchPadding(offset)
		if base+12 > len(code) {
			return 0, malformed(offset, "truncated tableswitch")
		}
		low := int32(binary.BigEndian.Uint32(code[base+4:]))
		high := int32(binary.BigEndian.Uint32(code[base+8:]))
		if high < low {
			return 0, malformed(offset, "tableswitch high < low")
		}
		return base - offset + 12 + int(int64(high)-int64(low)+1)*4, nil
	case opLookupswitch:
		base := offset + 1 + switchPadding(offset)
		if base+8 > len(code) {
			return 0, malformed(offset, "truncated lookupswitch")
		}
		npairs := int32(binary.BigEndian.Uint32(code[base+4:]))
		if npairs < 0 {
			return 0, malformed(offset, "negative lookupswitch npairs")
		}
		return base - offset + 8 + int(npairs)*8, nil
	}
	return 0, malformed(offset, "invalid opcode 0x%02x", op)
}

// Instructions 将字节码切分为指令序列
func Instructions(code []byte) ([]Instruction, error) {
	var out []Instruction
	for off := 0; off < len(code); {
		n, err := instructionLength(code, off)
		if err != nil {
			return nil, err
		}
		if off+n > len(code) {
			return nil, malformed(off, "instruction overruns code (%d > %d)", off+n, len(code))
		}
		out = append(out, Instruction{Offset: off, Opcode: code[off], Length: n})
		off += n
	}
	return out, nil
}

// constantOperand ldc/ldc_w 的常量池下标
func constantOperand(code []byte, in Instruction) (uint16, bool) {
	switch in.Opcode {
	case opLdc:
		return uint16(code[in.Offset+1]), true
	case opLdcW:
		return binary.BigEndian.Uint16(code[in.Offset+1:]), true
	}
	return 0, false
}

// argumentSlots 方法描述符参数占用的局部变量槽位数
func argumentSlots(descriptor string) (int, error) {
	if len(descriptor) == 0 || descriptor[0] != '(' {
		return 0, malformed(0, "bad method descriptor %q", descriptor)
	}
	slots := 0
	for i := 1; i < len(descriptor); {
		switch c := descriptor[i]; c {
		case ')':
			return slots, nil
		case 'J', 'D':
			slots += 2
			i++
		case 'B', 'C', 'F', 'I', 'S', 'Z':
			slots++
			i++
		case 'L':
			end := i
			for end < len(descriptor) && descriptor[end] != ';' {
				end++
			}
			if end == len(descriptor) {
				return 0, malformed(0, "bad method descriptor %q", descriptor)
			}
			slots++
			i = end + 1
		case '[':
			for i < len(descriptor) && descriptor[i] == '[' {
				i++
			}
			if i < len(descriptor) && descriptor[i] == 'L' {
				for i < len(descriptor) && descriptor[i] != ';' {
					i++
				}
			}
			i++
			slots++
		default:
			return 0, malformed(0, "bad method descriptor %q", descriptor)
		}
	}
	return 0, malformed(0, "bad method descriptor %q", descriptor)
}
