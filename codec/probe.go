package codec

import (
	"encoding/binary"
	"net/netip"

	"github.com/e1732a364fed/natcap_simple/netLayer"
)

const probeLen = netLayer.MinIPv4HeaderLen + netLayer.UDPHeaderLen + 4

// IsAckProbe 判断 p 是否是中继发来的 keep-alive 确认: udp 长度正好为12, payload 为 0xFFFE009A.
func IsAckProbe(p *netLayer.Packet) bool {
	if p.Protocol() != netLayer.ProtoUDP || p.CheckL4() != nil {
		return false
	}
	if p.UDPLen() != netLayer.UDPHeaderLen+4 {
		return false
	}
	pl := p.UDPPayload()
	return len(pl) >= 4 && binary.BigEndian.Uint32(pl) == MagicAck
}

// BuildProbe 构造一个从 src 发往 dst 的 keep-alive 包.
func BuildProbe(src, dst netip.AddrPort) *netLayer.Packet {
	b := make([]byte, probeLen, probeLen+netLayer.DefaultTailroom)
	b[0] = 0x45
	b[8] = 64
	b[9] = netLayer.ProtoUDP
	binary.BigEndian.PutUint16(b[6:], 0x4000) //DF

	p := &netLayer.Packet{Data: b}
	p.SetSrcAddrPort(src)
	p.SetDstAddrPort(dst)
	binary.BigEndian.PutUint32(p.UDPPayload(), MagicAck)
	p.FixLengths()
	p.RecomputeChecksums()
	return p
}
