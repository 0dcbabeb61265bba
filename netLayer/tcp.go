package netLayer

import "encoding/binary"

const (
	TCPOptEnd byte = 0
	TCPOptNOP byte = 1
	TCPOptMSS byte = 2
)

// WalkTCPOptions 遍历 tcp 选项, fn 的 off 是相对于 Data 的偏移, 返回 false 停止遍历.
//
// 选项格式非法时直接停止.
func (p *Packet) WalkTCPOptions(fn func(off int, kind byte, optLen int) bool) {
	tpOff := p.IHL()
	optEnd := tpOff + p.TCPHeaderLen()
	if optEnd > len(p.Data) {
		optEnd = len(p.Data)
	}

	for pos := tpOff + MinTCPHeaderLen; pos < optEnd; {
		kind := p.Data[pos]
		if kind == TCPOptEnd {
			return
		}
		if kind == TCPOptNOP {
			pos++
			continue
		}
		if pos+1 >= optEnd {
			return
		}
		optLen := int(p.Data[pos+1])
		if optLen < 2 || pos+optLen > optEnd {
			return
		}
		if !fn(pos, kind, optLen) {
			return
		}
		pos += optLen
	}
}

// AdjustMSS 把 syn/syn-ack 中的 MSS 选项加上 delta, 并增量更新校验和.
// 没有 MSS 选项 或 不是 syn 时返回 false.
func (p *Packet) AdjustMSS(delta int) (changed bool) {
	if p.TCPFlags()&TCPFlagSYN == 0 {
		return false
	}
	p.WalkTCPOptions(func(off int, kind byte, optLen int) bool {
		if kind != TCPOptMSS || optLen != 4 {
			return true
		}
		cur := binary.BigEndian.Uint16(p.Data[off+2:])
		n := int(cur) + delta
		if n <= 0 || n > 0xffff {
			return false
		}
		binary.BigEndian.PutUint16(p.Data[off+2:], uint16(n))

		ckOff := p.IHL() + 16
		ck := binary.BigEndian.Uint16(p.Data[ckOff:])
		binary.BigEndian.PutUint16(p.Data[ckOff:], ChecksumUpdate16(ck, cur, uint16(n)))
		changed = true
		return false
	})
	return
}

// MSS returns the MSS option value, 0 if absent.
func (p *Packet) MSS() (mss uint16) {
	p.WalkTCPOptions(func(off int, kind byte, optLen int) bool {
		if kind == TCPOptMSS && optLen == 4 {
			mss = binary.BigEndian.Uint16(p.Data[off+2:])
			return false
		}
		return true
	})
	return
}
