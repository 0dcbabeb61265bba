package netLayer

import "net/netip"

// Verdict 是对一个被截获的包的处理结果.
type Verdict uint8

const (
	VerdictAccept         Verdict = iota //原样放行
	VerdictAcceptModified                //放行修改后的包
	VerdictDrop
	VerdictStolen //包已被完全处理(比如拆分后另行发送), 不再交付
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictAcceptModified:
		return "accept_modified"
	case VerdictDrop:
		return "drop"
	case VerdictStolen:
		return "stolen"
	}
	return "verdict?"
}

// Policy 是按名字区分的 ip 集合, PolicySets 是它的实现.
type Policy interface {
	Test(set string, ip netip.Addr) bool
	Add(set string, ip netip.Addr)
	Del(set string, ip netip.Addr)
}

// PacketOutput 发送引擎自己产生的包(分段, 影子流的副本, 探测包).
type PacketOutput interface {
	Output(p *Packet) error
}

// PacketOutputFunc 让普通函数实现 PacketOutput
type PacketOutputFunc func(p *Packet) error

func (f PacketOutputFunc) Output(p *Packet) error { return f(p) }

var _ Policy = (*PolicySets)(nil)
