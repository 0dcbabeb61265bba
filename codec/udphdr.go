package codec

import (
	"encoding/binary"
	"net/netip"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
)

func putAddrHeader(b []byte, dst netip.AddrPort, flag uint16) {
	binary.BigEndian.PutUint32(b, MagicAddr)
	a4 := dst.Addr().As4()
	copy(b[4:8], a4[:])
	binary.BigEndian.PutUint16(b[8:], dst.Port())
	binary.BigEndian.PutUint16(b[10:], flag)
}

// EncodeUDPAddr 在 udp 头之后插入 12 字节的地址头 (flag 为 AddrFlagInline), 告诉中继原目标.
func EncodeUDPAddr(p *netLayer.Packet, dst netip.AddrPort) error {
	if p.Protocol() != netLayer.ProtoUDP {
		return utils.ErrInErr{ErrDesc: "codec.EncodeUDPAddr not udp", ErrDetail: ErrEncodeFailed}
	}
	if err := p.CheckL4(); err != nil {
		return utils.ErrInErr{ErrDesc: "codec.EncodeUDPAddr", ErrDetail: ErrEncodeFailed, Data: err.Error()}
	}
	off := p.IHL() + netLayer.UDPHeaderLen
	if err := p.Insert(off, AddrHeaderLen); err != nil {
		return utils.ErrInErr{ErrDesc: "codec.EncodeUDPAddr grow", ErrDetail: ErrEncodeFailed, Data: err.Error()}
	}
	putAddrHeader(p.Data[off:], dst, AddrFlagInline)
	p.FixLengths()
	p.RecomputeChecksums()
	return nil
}

// BuildAddrProbe 复制 p 的 ip 与 udp 头, 生成一个只带地址头(flag 为 AddrFlagProbe)的新包; p 本身不变.
func BuildAddrProbe(p *netLayer.Packet, dst netip.AddrPort) (*netLayer.Packet, error) {
	if p.Protocol() != netLayer.ProtoUDP {
		return nil, utils.ErrInErr{ErrDesc: "codec.BuildAddrProbe not udp", ErrDetail: ErrEncodeFailed}
	}
	if err := p.CheckL4(); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "codec.BuildAddrProbe", ErrDetail: ErrEncodeFailed, Data: err.Error()}
	}
	hl := p.IHL() + netLayer.UDPHeaderLen
	buf := make([]byte, hl+AddrHeaderLen)
	copy(buf, p.Data[:hl])
	putAddrHeader(buf[hl:], dst, AddrFlagProbe)

	np := &netLayer.Packet{Data: buf}
	np.FixLengths()
	np.RecomputeChecksums()
	return np, nil
}

// DecodeUDPAddr 读取并去掉地址头. 没有地址头时 found 为false.
func DecodeUDPAddr(p *netLayer.Packet) (dst netip.AddrPort, flag uint16, found bool) {
	if p.Protocol() != netLayer.ProtoUDP {
		return
	}
	pl := p.UDPPayload()
	if len(pl) < AddrHeaderLen || binary.BigEndian.Uint32(pl) != MagicAddr {
		return
	}
	dst = netip.AddrPortFrom(netip.AddrFrom4([4]byte(pl[4:8])), binary.BigEndian.Uint16(pl[8:]))
	flag = binary.BigEndian.Uint16(pl[10:])

	if p.Remove(p.IHL()+netLayer.UDPHeaderLen, AddrHeaderLen) != nil {
		return
	}
	p.FixLengths()
	p.RecomputeChecksums()
	found = true
	return
}

// NeedsAddrProbe 判断 p 是否太大, 需要用探测包单独发送地址头.
func NeedsAddrProbe(p *netLayer.Packet) bool { return p.Len() > LargeUDPThreshold }
