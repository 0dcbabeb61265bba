package codec

import (
	"encoding/binary"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
)

// EncodeUDPFallback 把一个已经编码过的 tcp 段伪装成 udp:
//
//	| udp 头(8) | 0xFFFF0099 | tcp 头从偏移4开始的全部内容 |
//
// 端口不变, tcp 的 seq 被 udp 的 长度与校验和 覆盖, 它的副本在魔数之后.
// 必须对 最终线上大小 的段调用, 即 GSO 分段之后.
func EncodeUDPFallback(p *netLayer.Packet) error {
	if p.GSOSize > 0 {
		return utils.ErrInErr{ErrDesc: "codec.EncodeUDPFallback on unsegmented gso packet", ErrDetail: ErrEncodeFailed}
	}
	if p.Protocol() != netLayer.ProtoTCP {
		return utils.ErrInErr{ErrDesc: "codec.EncodeUDPFallback not tcp", ErrDetail: ErrEncodeFailed}
	}
	if err := p.CheckL4(); err != nil {
		return utils.ErrInErr{ErrDesc: "codec.EncodeUDPFallback", ErrDetail: ErrEncodeFailed, Data: err.Error()}
	}

	l4off := p.IHL()
	if err := p.Insert(l4off+4, FallbackLen); err != nil {
		return utils.ErrInErr{ErrDesc: "codec.EncodeUDPFallback grow", ErrDetail: ErrEncodeFailed, Data: err.Error()}
	}
	binary.BigEndian.PutUint32(p.Data[l4off+8:], MagicFallback)
	p.SetProtocol(netLayer.ProtoUDP)
	p.FixLengths()
	p.RecomputeChecksums()
	return nil
}

// IsUDPFallback 判断 p 是否是 udp fallback 包
func IsUDPFallback(p *netLayer.Packet) bool {
	if p.Protocol() != netLayer.ProtoUDP {
		return false
	}
	l4 := p.L4()
	return len(l4) >= UDPFallbackMinLen && binary.BigEndian.Uint32(l4[8:]) == MagicFallback
}

// udp头(8) + 魔数(4) + 最小tcp头去掉前4字节(16)
const UDPFallbackMinLen = netLayer.MinTCPHeaderLen + FallbackLen

// DecodeUDPFallback 是 EncodeUDPFallback 的逆操作. 不是 fallback 包时 found 为false.
func DecodeUDPFallback(p *netLayer.Packet) (found bool, err error) {
	if !IsUDPFallback(p) {
		return
	}
	if !p.VerifyChecksums() {
		err = utils.ErrInErr{ErrDesc: "codec.DecodeUDPFallback checksum", ErrDetail: ErrDecodeFailed}
		return
	}
	l4off := p.IHL()
	if e := p.Remove(l4off+4, FallbackLen); e != nil {
		err = utils.ErrInErr{ErrDesc: "codec.DecodeUDPFallback strip", ErrDetail: ErrDecodeFailed, Data: e.Error()}
		return
	}
	p.SetProtocol(netLayer.ProtoTCP)
	p.FixLengths()
	if e := p.CheckL4(); e != nil {
		err = utils.ErrInErr{ErrDesc: "codec.DecodeUDPFallback inner tcp", ErrDetail: ErrDecodeFailed, Data: e.Error()}
		return
	}
	p.RecomputeChecksums()
	found = true
	return
}
