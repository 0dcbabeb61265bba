package netLayer

import "encoding/binary"

// Segment 把 GSO 大包按 GSOSize 切成线上大小的 tcp 段. 不是 GSO 包时原样返回.
//
// 每段复制 ip+tcp 头, 更新 seq, ip id, 长度 与 校验和; FIN/PSH 只留在最后一段, CWR 只留在第一段.
func (p *Packet) Segment() ([]*Packet, error) {
	if p.GSOSize <= 0 || p.Protocol() != ProtoTCP {
		return []*Packet{p}, nil
	}
	if err := p.CheckL4(); err != nil {
		return nil, err
	}

	ihl := p.IHL()
	hdr := ihl + p.TCPHeaderLen()
	payload := p.Data[hdr:]
	mss := p.GSOSize

	if len(payload) <= mss {
		p.GSOSize = 0
		return []*Packet{p}, nil
	}

	seq := p.TCPSeq()
	id := binary.BigEndian.Uint16(p.Data[4:])
	flags := p.TCPFlags()

	segs := make([]*Packet, 0, (len(payload)+mss-1)/mss)

	for i, off := 0, 0; off < len(payload); i, off = i+1, off+mss {
		end := off + mss
		if end > len(payload) {
			end = len(payload)
		}
		size := hdr + end - off
		buf := make([]byte, size, size+DefaultTailroom)
		copy(buf, p.Data[:hdr])
		copy(buf[hdr:], payload[off:end])

		s := &Packet{Data: buf}
		s.SetTotalLen(size)
		binary.BigEndian.PutUint16(buf[4:], id+uint16(i))
		binary.BigEndian.PutUint32(buf[ihl+4:], seq+uint32(off))

		f := flags
		if end != len(payload) {
			f &^= TCPFlagFIN | TCPFlagPSH
		}
		if i != 0 {
			f &^= TCPFlagCWR
		}
		buf[ihl+13] = f

		s.RecomputeChecksums()
		segs = append(segs, s)
	}
	return segs, nil
}
