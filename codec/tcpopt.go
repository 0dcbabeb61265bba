package codec

import (
	"encoding/binary"
	"net/netip"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
)

// TCPOption 是 tcp 伪装选项的内容. Dst 只在 syn 上编码.
type TCPOption struct {
	Opcode  byte
	Encrypt bool
	Dst     netip.AddrPort
}

func (o TCPOption) wireLen(syn bool) int {
	if syn && o.Dst.IsValid() {
		return OptLenSyn
	}
	return OptLen
}

// FindTCPOption 返回伪装选项在 p.Data 中的偏移与长度, 没有时 off 为 -1.
func FindTCPOption(p *netLayer.Packet) (off, optLen int) {
	off = -1
	p.WalkTCPOptions(func(o int, kind byte, l int) bool {
		if kind == OptKind {
			off, optLen = o, l
			return false
		}
		return true
	})
	return
}

// EncodeTCP 把伪装选项插入到 tcp 选项区的最前面.
//
// p 已经带有伪装选项时不做修改. tcp 头会超过 60 字节 或 p 无法增长时返回 ErrEncodeFailed.
func EncodeTCP(p *netLayer.Packet, opt TCPOption) error {
	if p.Protocol() != netLayer.ProtoTCP {
		return utils.ErrInErr{ErrDesc: "codec.EncodeTCP not tcp", ErrDetail: ErrEncodeFailed}
	}
	if err := p.CheckL4(); err != nil {
		return utils.ErrInErr{ErrDesc: "codec.EncodeTCP", ErrDetail: ErrEncodeFailed, Data: err.Error()}
	}
	if off, _ := FindTCPOption(p); off >= 0 {
		return nil
	}

	syn := p.TCPFlags()&netLayer.TCPFlagSYN != 0
	olen := opt.wireLen(syn)
	thl := p.TCPHeaderLen()
	if thl+olen > netLayer.MaxTCPHeaderLen {
		return utils.ErrInErr{ErrDesc: "codec.EncodeTCP header too long", ErrDetail: ErrEncodeFailed, Data: thl + olen}
	}

	off := p.IHL() + netLayer.MinTCPHeaderLen
	if err := p.Insert(off, olen); err != nil {
		return utils.ErrInErr{ErrDesc: "codec.EncodeTCP grow", ErrDetail: ErrEncodeFailed, Data: err.Error()}
	}

	b := p.Data[off : off+olen]
	b[0] = OptKind
	b[1] = byte(olen)
	b[2] = opt.Opcode
	b[3] = 0
	if opt.Encrypt {
		b[3] |= OptFlagEncrypt
	}
	if olen == OptLenSyn {
		a4 := opt.Dst.Addr().As4()
		copy(b[4:8], a4[:])
		binary.BigEndian.PutUint16(b[8:], opt.Dst.Port())
		b[10], b[11] = 0, 0
	}

	p.SetTCPHeaderLen(thl + olen)
	p.FixLengths()
	p.RecomputeChecksums()
	return nil
}

// DecodeTCP 去掉伪装选项. 没有选项时 found 为false, 不算错误.
func DecodeTCP(p *netLayer.Packet) (opt TCPOption, found bool, err error) {
	if p.Protocol() != netLayer.ProtoTCP {
		err = utils.ErrInErr{ErrDesc: "codec.DecodeTCP not tcp", ErrDetail: ErrDecodeFailed}
		return
	}
	if e := p.CheckL4(); e != nil {
		err = utils.ErrInErr{ErrDesc: "codec.DecodeTCP", ErrDetail: ErrDecodeFailed, Data: e.Error()}
		return
	}
	off, olen := FindTCPOption(p)
	if off < 0 {
		return
	}
	if olen != OptLen && olen != OptLenSyn {
		err = utils.ErrInErr{ErrDesc: "codec.DecodeTCP bad option length", ErrDetail: ErrDecodeFailed, Data: olen}
		return
	}

	b := p.Data[off : off+olen]
	opt.Opcode = b[2]
	opt.Encrypt = b[3]&OptFlagEncrypt != 0
	if olen == OptLenSyn {
		opt.Dst = netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[4:8])), binary.BigEndian.Uint16(b[8:]))
	}

	thl := p.TCPHeaderLen()
	if e := p.Remove(off, olen); e != nil {
		err = utils.ErrInErr{ErrDesc: "codec.DecodeTCP strip", ErrDetail: ErrDecodeFailed, Data: e.Error()}
		return
	}
	p.SetTCPHeaderLen(thl - olen)
	p.FixLengths()
	p.RecomputeChecksums()
	found = true
	return
}
