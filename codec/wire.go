package codec

import (
	"net/netip"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/zap"
)

// EncodeTCPWire 对 p 做 tcp 选项编码; fallback 为 true 时再分段, 并把每一段伪装成 udp.
//
// 返回可以直接发送的包. 无法增长的段被单独丢弃, 计入 dropped; 只有 tcp 编码本身失败才返回 err.
func EncodeTCPWire(p *netLayer.Packet, opt TCPOption, fallback bool) (wire []*netLayer.Packet, dropped int, err error) {
	if err = EncodeTCP(p, opt); err != nil {
		return
	}
	if !fallback {
		wire = []*netLayer.Packet{p}
		return
	}

	segs, e := p.Segment()
	if e != nil {
		err = utils.ErrInErr{ErrDesc: "codec.EncodeTCPWire segment", ErrDetail: ErrEncodeFailed, Data: e.Error()}
		return
	}
	wire = segs[:0]
	for _, s := range segs {
		if e := EncodeUDPFallback(s); e != nil {
			dropped++
			if ce := utils.CanLogWarn("udp fallback segment dropped"); ce != nil {
				ce.Write(zap.Error(e))
			}
			continue
		}
		wire = append(wire, s)
	}
	return
}

// OptionFor 返回对 p 编码时应使用的选项. syn 上带原目标 dst.
func OptionFor(p *netLayer.Packet, encrypt bool, origDst netip.AddrPort) TCPOption {
	if p.TCPFlags()&netLayer.TCPFlagSYN != 0 {
		return TCPOption{Opcode: OpcodeSyn, Encrypt: encrypt, Dst: origDst}
	}
	return TCPOption{Opcode: OpcodeData, Encrypt: encrypt}
}
