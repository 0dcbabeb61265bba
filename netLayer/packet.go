package netLayer

import (
	"encoding/binary"
	"net/netip"
)

const (
	MinIPv4HeaderLen = 20
	MinTCPHeaderLen  = 20
	MaxTCPHeaderLen  = 60
	UDPHeaderLen     = 8

	MaxPacketLen = 65535

	// Clone 和 分段 产生的新包预留的尾部空间
	DefaultTailroom = 64
)

const (
	TCPFlagFIN byte = 0x01
	TCPFlagSYN byte = 0x02
	TCPFlagRST byte = 0x04
	TCPFlagPSH byte = 0x08
	TCPFlagACK byte = 0x10
	TCPFlagCWR byte = 0x80
)

// Packet 是一个原始 IPv4 数据包(无以太网头).
//
// cap(Data)-len(Data) 即为可原地增长的 tail slack.
type Packet struct {
	Data []byte

	// GSOSize > 0 表示该包是一个尚未分段的 tcp 大包, 每段 payload 不超过 GSOSize.
	GSOSize int

	// Fixed 为 true 时, 只能在已有 slack 内增长, 不允许重新分配内存.
	Fixed bool
}

// Parse 校验 ip 头, 并把 Data 截到 ip 头所给的长度(保留 cap).
func Parse(b []byte) (*Packet, error) {
	p := &Packet{Data: b}
	if err := p.validateIP(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Packet) validateIP() error {
	b := p.Data
	if len(b) < MinIPv4HeaderLen {
		return ErrTruncated
	}
	if b[0]>>4 != 4 {
		return ErrNotIPv4
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < MinIPv4HeaderLen || ihl > len(b) {
		return ErrTruncated
	}
	tot := int(binary.BigEndian.Uint16(b[2:]))
	if tot < ihl || tot > len(b) {
		return ErrTruncated
	}
	p.Data = b[:tot]
	return nil
}

// CheckL4 确认传输层头完整. tcp 会同时检查 data offset.
func (p *Packet) CheckL4() error {
	ihl := p.IHL()
	switch p.Protocol() {
	case ProtoTCP:
		if len(p.Data) < ihl+MinTCPHeaderLen {
			return ErrTruncated
		}
		thl := p.TCPHeaderLen()
		if thl < MinTCPHeaderLen || ihl+thl > len(p.Data) {
			return ErrTruncated
		}
	case ProtoUDP:
		if len(p.Data) < ihl+UDPHeaderLen {
			return ErrTruncated
		}
	}
	return nil
}

func (p *Packet) Len() int { return len(p.Data) }

func (p *Packet) IHL() int { return int(p.Data[0]&0x0f) * 4 }

func (p *Packet) TotalLen() int { return int(binary.BigEndian.Uint16(p.Data[2:])) }

func (p *Packet) SetTotalLen(n int) { binary.BigEndian.PutUint16(p.Data[2:], uint16(n)) }

func (p *Packet) Protocol() byte { return p.Data[9] }

func (p *Packet) SetProtocol(proto byte) { p.Data[9] = proto }

// IsFragment 对分片(包括首片)返回 true
func (p *Packet) IsFragment() bool {
	ff := binary.BigEndian.Uint16(p.Data[6:])
	return ff&0x2000 != 0 || ff&0x1fff != 0
}

func (p *Packet) Src() netip.Addr { return netip.AddrFrom4([4]byte(p.Data[12:16])) }

func (p *Packet) Dst() netip.Addr { return netip.AddrFrom4([4]byte(p.Data[16:20])) }

func (p *Packet) SetSrc(a netip.Addr) {
	a4 := a.As4()
	copy(p.Data[12:16], a4[:])
}

func (p *Packet) SetDst(a netip.Addr) {
	a4 := a.As4()
	copy(p.Data[16:20], a4[:])
}

func (p *Packet) L4() []byte { return p.Data[p.IHL():] }

// 以下端口相关方法对 tcp 和 udp 都适用
func (p *Packet) SrcPort() uint16 { return binary.BigEndian.Uint16(p.Data[p.IHL():]) }

func (p *Packet) DstPort() uint16 { return binary.BigEndian.Uint16(p.Data[p.IHL()+2:]) }

func (p *Packet) SetSrcPort(port uint16) { binary.BigEndian.PutUint16(p.Data[p.IHL():], port) }

func (p *Packet) SetDstPort(port uint16) { binary.BigEndian.PutUint16(p.Data[p.IHL()+2:], port) }

func (p *Packet) SrcAddrPort() netip.AddrPort { return netip.AddrPortFrom(p.Src(), p.SrcPort()) }

func (p *Packet) DstAddrPort() netip.AddrPort { return netip.AddrPortFrom(p.Dst(), p.DstPort()) }

func (p *Packet) SetDstAddrPort(ap netip.AddrPort) {
	p.SetDst(ap.Addr())
	p.SetDstPort(ap.Port())
}

func (p *Packet) SetSrcAddrPort(ap netip.AddrPort) {
	p.SetSrc(ap.Addr())
	p.SetSrcPort(ap.Port())
}

func (p *Packet) Tuple() Tuple {
	return Tuple{Proto: p.Protocol(), Src: p.SrcAddrPort(), Dst: p.DstAddrPort()}
}

func (p *Packet) TCPHeaderLen() int { return int(p.Data[p.IHL()+12]>>4) * 4 }

func (p *Packet) SetTCPHeaderLen(n int) {
	off := p.IHL() + 12
	p.Data[off] = byte(n/4)<<4 | p.Data[off]&0x0f
}

func (p *Packet) TCPFlags() byte { return p.Data[p.IHL()+13] }

func (p *Packet) TCPSeq() uint32 { return binary.BigEndian.Uint32(p.Data[p.IHL()+4:]) }

// isTCP 判断 p 是 tcp 且 长到有 flags 字节
func (p *Packet) isTCP() bool {
	return p.Protocol() == ProtoTCP && len(p.Data) > p.IHL()+13
}

// IsSYN 只对纯 syn (不带ack) 返回 true; 非 tcp 包总是 false
func (p *Packet) IsSYN() bool {
	if !p.isTCP() {
		return false
	}
	f := p.TCPFlags()
	return f&TCPFlagSYN != 0 && f&TCPFlagACK == 0
}

func (p *Packet) IsRST() bool { return p.isTCP() && p.TCPFlags()&TCPFlagRST != 0 }

func (p *Packet) TCPPayload() []byte { return p.Data[p.IHL()+p.TCPHeaderLen():] }

func (p *Packet) UDPPayload() []byte { return p.Data[p.IHL()+UDPHeaderLen:] }

func (p *Packet) UDPLen() int { return int(binary.BigEndian.Uint16(p.Data[p.IHL()+4:])) }

func (p *Packet) SetUDPLen(n int) { binary.BigEndian.PutUint16(p.Data[p.IHL()+4:], uint16(n)) }

// FixLengths 按 len(Data) 更新 ip 总长度, 若为udp同时更新udp长度.
func (p *Packet) FixLengths() {
	p.SetTotalLen(len(p.Data))
	if p.Protocol() == ProtoUDP {
		p.SetUDPLen(len(p.Data) - p.IHL())
	}
}

// Grow 在包尾增长 n 字节. slack 不足时, 除非 Fixed, 会重新分配.
func (p *Packet) Grow(n int) error {
	old := len(p.Data)
	if old+n > MaxPacketLen {
		return ErrNoRoom
	}
	if cap(p.Data)-old >= n {
		p.Data = p.Data[:old+n]
		return nil
	}
	if p.Fixed {
		return ErrNoRoom
	}
	nb := make([]byte, old+n, old+n+DefaultTailroom)
	copy(nb, p.Data)
	p.Data = nb
	return nil
}

// Insert 在 off 处插入 n 个字节(内容未定义), off 之后的数据后移.
func (p *Packet) Insert(off, n int) error {
	old := len(p.Data)
	if off > old {
		return ErrTruncated
	}
	if err := p.Grow(n); err != nil {
		return err
	}
	copy(p.Data[off+n:], p.Data[off:old])
	return nil
}

// Remove 删掉 [off, off+n) 的字节, 之后的数据前移.
func (p *Packet) Remove(off, n int) error {
	if off+n > len(p.Data) {
		return ErrTruncated
	}
	copy(p.Data[off:], p.Data[off+n:])
	p.Data = p.Data[:len(p.Data)-n]
	return nil
}

// Clone 返回一个独立的副本, 带 DefaultTailroom 的 slack.
func (p *Packet) Clone() *Packet {
	nb := make([]byte, len(p.Data), len(p.Data)+DefaultTailroom)
	copy(nb, p.Data)
	return &Packet{Data: nb, GSOSize: p.GSOSize}
}
