package netLayer

import "encoding/binary"

func checksumAdd(b []byte, sum uint32) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// checksumFold folds a 32-bit accumulator to a 16-bit one's complement value.
func checksumFold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// ChecksumUpdate16 incrementally updates a one's complement checksum
// when a single 16-bit field changes from oldVal to newVal (RFC 1624).
func ChecksumUpdate16(oldCk, oldVal, newVal uint16) uint16 {
	sum := uint32(^oldCk) + uint32(^oldVal) + uint32(newVal)
	return ^checksumFold(sum)
}

func (p *Packet) pseudoHeaderSum(l4len int) uint32 {
	var sum uint32
	sum = checksumAdd(p.Data[12:20], sum)
	sum += uint32(p.Protocol())
	sum += uint32(l4len)
	return sum
}

func (p *Packet) ipChecksum() uint16 {
	ihl := p.IHL()
	var sum uint32
	sum = checksumAdd(p.Data[:10], sum)
	sum = checksumAdd(p.Data[12:ihl], sum)
	return ^checksumFold(sum)
}

func (p *Packet) l4Checksum() uint16 {
	l4 := p.L4()
	sum := p.pseudoHeaderSum(len(l4))
	ckOff := 16
	if p.Protocol() == ProtoUDP {
		ckOff = 6
	}
	sum = checksumAdd(l4[:ckOff], sum)
	sum = checksumAdd(l4[ckOff+2:], sum)
	return ^checksumFold(sum)
}

// RecomputeChecksums 完整重算 ip 头和 tcp/udp 校验和. 任何结构性改动之后都要调用.
func (p *Packet) RecomputeChecksums() {
	binary.BigEndian.PutUint16(p.Data[10:], p.ipChecksum())

	if p.IsFragment() && binary.BigEndian.Uint16(p.Data[6:])&0x1fff != 0 {
		return //非首片没有传输层头
	}

	switch p.Protocol() {
	case ProtoTCP:
		if len(p.L4()) < MinTCPHeaderLen {
			return
		}
		binary.BigEndian.PutUint16(p.L4()[16:], p.l4Checksum())
	case ProtoUDP:
		if len(p.L4()) < UDPHeaderLen {
			return
		}
		ck := p.l4Checksum()
		if ck == 0 {
			ck = 0xffff
		}
		binary.BigEndian.PutUint16(p.L4()[6:], ck)
	}
}

// VerifyChecksums 检查 ip 头和传输层校验和是否正确. udp 校验和为0表示未启用.
func (p *Packet) VerifyChecksums() bool {
	if binary.BigEndian.Uint16(p.Data[10:]) != p.ipChecksum() {
		return false
	}
	switch p.Protocol() {
	case ProtoTCP:
		return binary.BigEndian.Uint16(p.L4()[16:]) == p.l4Checksum()
	case ProtoUDP:
		got := binary.BigEndian.Uint16(p.L4()[6:])
		if got == 0 {
			return true
		}
		want := p.l4Checksum()
		if want == 0 {
			want = 0xffff
		}
		return got == want
	}
	return true
}
