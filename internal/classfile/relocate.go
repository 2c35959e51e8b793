package classfile

import (
	"encoding/binary"
	"math"
)

// widenLdc 把 sites 中的 ldc 指令改写为 ldc_w 并指向 newIndex，
// 同时重定位跳转偏移、switch 表、异常表以及 LineNumberTable /
// LocalVariableTable / LocalVariableTypeTable / StackMapTable 中的字节码偏移。
func (cf *ClassFile) widenLdc(code *Code, sites map[int]bool, newIndex uint16) error {
	insns, err := Instructions(code.Bytecode)
	if err != nil {
		return err
	}

	// 新偏移：switch 填充取决于指令自身的新位置，顺序扫描一次即可确定
	newOffset := make(map[int]int, len(insns)+1)
	sizes := make([]int, len(insns))
	pos := 0
	for i, in := range insns {
		newOffset[in.Offset] = pos
		size := in.Length
		switch {
		case sites[in.Offset]:
			size = 3
		case in.Opcode == opTableswitch || in.Opcode == opLookupswitch:
			size = in.Length - switchPadding(in.Offset) + switchPadding(pos)
		}
		sizes[i] = size
		pos += size
	}
	newOffset[len(code.Bytecode)] = pos
	if pos >= math.MaxUint16 {
		return limitExceeded("code length %d after widening ldc", pos)
	}

	old := code.Bytecode
	out := make([]byte, 0, pos)
	for i, in := range insns {
		at := newOffset[in.Offset]
		switch {
		case sites[in.Offset]:
			out = append(out, opLdcW, byte(newIndex>>8), byte(newIndex))

		case isBranch16(in.Opcode):
			target := in.Offset + int(int16(binary.BigEndian.Uint16(old[in.Offset+1:])))
			delta, err := relocatedDelta(newOffset, in.Offset, target, at)
			if err != nil {
				return err
			}
			if delta < math.MinInt16 || delta > math.MaxInt16 {
				return limitExceeded("branch at %d no longer fits 16 bits", in.Offset)
			}
			out = append(out, in.Opcode)
			out = binary.BigEndian.AppendUint16(out, uint16(int16(delta)))

		case in.Opcode == opGotoW || in.Opcode == opJsrW:
			target := in.Offset + int(int32(binary.BigEndian.Uint32(old[in.Offset+1:])))
			delta, err := relocatedDelta(newOffset, in.Offset, target, at)
			if err != nil {
				return err
			}
			out = append(out, in.Opcode)
			out = binary.BigEndian.AppendUint32(out, uint32(int32(delta)))

		case in.Opcode == opTableswitch || in.Opcode == opLookupswitch:
			sw, err := relocateSwitch(old, in, at, newOffset)
			if err != nil {
				return err
			}
			out = append(out, sw...)

		default:
			out = append(out, old[in.Offset:in.Offset+in.Length]...)
		}
		if len(out) != at+sizes[i] {
			return malformed(in.Offset, "relocation size mismatch")
		}
	}

	mapPC := func(pc uint16) (uint16, error) {
		n, ok := newOffset[int(pc)]
		if !ok {
			return 0, malformed(int(pc), "offset %d is not an instruction boundary", pc)
		}
		return uint16(n), nil
	}

	for i, h := range code.ExceptionTable {
		var err error
		if h.StartPC, err = mapPC(h.StartPC); err != nil {
			return err
		}
		if h.EndPC, err = mapPC(h.EndPC); err != nil {
			return err
		}
		if h.HandlerPC, err = mapPC(h.HandlerPC); err != nil {
			return err
		}
		code.ExceptionTable[i] = h
	}

	for i, a := range code.Attributes {
		var info []byte
		var err error
		switch cf.AttributeName(a) {
		case "LineNumberTable":
			info, err = relocateLineNumbers(a.Info, mapPC)
		case "LocalVariableTable", "LocalVariableTypeTable":
			info, err = relocateLocalVariables(a.Info, mapPC)
		case "StackMapTable":
			info, err = relocateStackMap(a.Info, newOffset)
		default:
			continue
		}
		if err != nil {
			return err
		}
		code.Attributes[i].Info = info
	}

	code.Bytecode = out
	return nil
}

func relocatedDelta(newOffset map[int]int, from, target, newFrom int) (int, error) {
	n, ok := newOffset[target]
	if !ok {
		return 0, malformed(from, "branch target %d is not an instruction boundary", target)
	}
	return n - newFrom, nil
}

func relocateSwitch(old []byte, in Instruction, at int, newOffset map[int]int) ([]byte, error) {
	oldBase := in.Offset + 1 + switchPadding(in.Offset)
	out := []byte{in.Opcode}
	for i := 0; i < switchPadding(at); i++ {
		out = append(out, 0)
	}

	jump := func(off int) error {
		target := in.Offset + int(int32(binary.BigEndian.Uint32(old[off:])))
		delta, err := relocatedDelta(newOffset, in.Offset, target, at)
		if err != nil {
			return err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(int32(delta)))
		return nil
	}

	if err := jump(oldBase); err != nil {
		return nil, err
	}
	end := in.Offset + in.Length
	if in.Opcode == opTableswitch {
		out = append(out, old[oldBase+4:oldBase+12]...)
		for off := oldBase + 12; off < end; off += 4 {
			if err := jump(off); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	out = append(out, old[oldBase+4:oldBase+8]...)
	for off := oldBase + 8; off < end; off += 8 {
		out = append(out, old[off:off+4]...)
		if err := jump(off + 4); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func relocateLineNumbers(info []byte, mapPC func(uint16) (uint16, error)) ([]byte, error) {
	r := newReader(info)
	w := &writer{}
	n := r.u2()
	w.u2(n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		pc, err := mapPC(r.u2())
		if err != nil {
			return nil, err
		}
		w.u2(pc)
		w.u2(r.u2())
	}
	if r.err != nil {
		return nil, r.err
	}
	return w.Bytes(), nil
}

func relocateLocalVariables(info []byte, mapPC func(uint16) (uint16, error)) ([]byte, error) {
	r := newReader(info)
	w := &writer{}
	n := r.u2()
	w.u2(n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		start, length := r.u2(), r.u2()
		newStart, err := mapPC(start)
		if err != nil {
			return nil, err
		}
		newEnd, err := mapPC(start + length)
		if err != nil {
			return nil, err
		}
		w.u2(newStart)
		w.u2(newEnd - newStart)
		w.raw(r.bytes(6)) // name_index, descriptor_index, index
	}
	if r.err != nil {
		return nil, r.err
	}
	return w.Bytes(), nil
}

// StackMapTable 帧类型
const (
	frameSameMax             = 63
	frameSameLocals1Max      = 127
	frameSameLocals1Extended = 247
	frameChopMin             = 248
	frameChopMax             = 250
	frameSameExtended        = 251
	frameAppendMax           = 254
	frameFull                = 255

	verificationObject        = 7
	verificationUninitialized = 8
)

// relocateStackMap 重新计算各帧的 offset_delta；增量超过紧凑编码范围时升级为扩展帧
func relocateStackMap(info []byte, newOffset map[int]int) ([]byte, error) {
	r := newReader(info)
	w := &writer{}
	n := r.u2()
	w.u2(n)

	prevOld, prevNew := -1, -1
	for i := 0; i < int(n) && r.err == nil; i++ {
		frameType := r.u1()
		var delta int
		switch {
		case frameType <= frameSameMax:
			delta = int(frameType)
		case frameType <= frameSameLocals1Max:
			delta = int(frameType) - 64
		case frameType >= frameSameLocals1Extended:
			delta = int(r.u2())
		default:
			return nil, malformed(r.off, "reserved stack map frame type %d", frameType)
		}

		oldPC := prevOld + delta + 1
		newPC, ok := newOffset[oldPC]
		if !ok {
			return nil, malformed(oldPC, "stack map frame at %d is not an instruction boundary", oldPC)
		}
		newDelta := newPC - prevNew - 1
		prevOld, prevNew = oldPC, newPC

		switch {
		case frameType <= frameSameMax:
			if newDelta <= frameSameMax {
				w.u1(uint8(newDelta))
			} else {
				w.u1(frameSameExtended)
				w.u2(uint16(newDelta))
			}
		case frameType <= frameSameLocals1Max:
			if newDelta <= frameSameLocals1Max-64 {
				w.u1(uint8(64 + newDelta))
			} else {
				w.u1(frameSameLocals1Extended)
				w.u2(uint16(newDelta))
			}
			if err := copyVerificationTypes(r, w, 1, newOffset); err != nil {
				return nil, err
			}
		case frameType == frameSameLocals1Extended:
			w.u1(frameType)
			w.u2(uint16(newDelta))
			if err := copyVerificationTypes(r, w, 1, newOffset); err != nil {
				return nil, err
			}
		case frameType >= frameChopMin && frameType <= frameSameExtended:
			w.u1(frameType)
			w.u2(uint16(newDelta))
		case frameType <= frameAppendMax:
			w.u1(frameType)
			w.u2(uint16(newDelta))
			if err := copyVerificationTypes(r, w, int(frameType)-frameSameExtended, newOffset); err != nil {
				return nil, err
			}
		default: // full_frame
			w.u1(frameType)
			w.u2(uint16(newDelta))
			locals := r.u2()
			w.u2(locals)
			if err := copyVerificationTypes(r, w, int(locals), newOffset); err != nil {
				return nil, err
			}
			stack := r.u2()
			w.u2(stack)
			if err := copyVerificationTypes(r, w, int(stack), newOffset); err != nil {
				return nil, err
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, malformed(r.off, "trailing bytes in StackMapTable")
	}
	return w.Bytes(), nil
}

// copyVerificationTypes 复制 verification_type_info，Uninitialized(offset) 需要重定位
func copyVerificationTypes(r *reader, w *writer, n int, newOffset map[int]int) error {
	for i := 0; i < n && r.err == nil; i++ {
		tag := r.u1()
		w.u1(tag)
		switch tag {
		case verificationObject:
			w.u2(r.u2())
		case verificationUninitialized:
			off := int(r.u2())
			newOff, ok := newOffset[off]
			if !ok {
				return malformed(off, "uninitialized offset %d is not an instruction boundary", off)
			}
			w.u2(uint16(newOff))
		default:
			if tag > verificationUninitialized {
				return malformed(r.off, "unknown verification type %d", tag)
			}
		}
	}
	return r.err
}
