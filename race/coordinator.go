/*
Package race 实现 连接竞速.

一条直连的 tcp 流在第一个 syn 时, 会被复制出一条发往中继的影子流. 两条流同时握手, 谁先收到回复谁赢:

  - 直连先回复: 原始流 Started->Won, 断开关联, 之后不再复制.
  - 影子先回复: 原始流 Started->Lost, 影子的回复被改写成原始流的回复交给协议栈;
    之后原始流的包都复制到影子流上发出, 原始包本身被丢弃.

裁决点只有一个: 原始流竞速状态上的一次 CAS, 所以同时到达的回复也只有一方能赢.
*/
package race

import (
	"net/netip"
	"time"

	"github.com/e1732a364fed/natcap_simple/codec"
	"github.com/e1732a364fed/natcap_simple/flow"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/relay"
	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Stats 是竞速的计数
type Stats struct {
	Spawned uint64
	Skipped uint64
	Won     uint64 //直连赢
	Lost    uint64 //影子赢
	RSTDrop uint64
}

type Coordinator struct {
	Pool    *relay.Pool
	Tracker flow.Tracker
	Policy  netLayer.Policy
	Out     netLayer.PacketOutput

	// 影子流使用 udp fallback 编码
	UDPFallback bool

	// 直连收到 rst 时, 只有源端口在其中才投票把目标加入 redirect 集合; 为空表示所有端口.
	RSTVotePorts []uint16

	// 影子流发出的字节数累加到这里, 可以为nil
	Tx *atomic.Uint64

	Now func() time.Time

	spawned, skipped, won, lost, rstDrop atomic.Uint64
}

// New 用 time.Now 作为时钟.
func New(pool *relay.Pool, tr flow.Tracker, policy netLayer.Policy, out netLayer.PacketOutput) *Coordinator {
	return &Coordinator{Pool: pool, Tracker: tr, Policy: policy, Out: out, Now: time.Now}
}

func (co *Coordinator) Stats() Stats {
	return Stats{
		Spawned: co.spawned.Load(),
		Skipped: co.skipped.Load(),
		Won:     co.won.Load(),
		Lost:    co.lost.Load(),
		RSTDrop: co.rstDrop.Load(),
	}
}

func (co *Coordinator) now() time.Time {
	if co.Now != nil {
		return co.Now()
	}
	return time.Now()
}

func (co *Coordinator) skip(c *flow.Conn, bypass bool) netLayer.Verdict {
	if c.Status.Advance(flow.RaceIdle, flow.RaceSkipped) {
		co.skipped.Inc()
	}
	if bypass {
		c.Status.Decide(flow.Bypass)
	}
	return netLayer.VerdictAccept
}

// Egress 处理 原方向 即将发出的 tcp 包. c 是 p 所属的流.
func (co *Coordinator) Egress(p *netLayer.Packet, c *flow.Conn) netLayer.Verdict {
	if p.Protocol() != netLayer.ProtoTCP {
		return netLayer.VerdictAccept
	}
	st := &c.Status
	if st.IsRedirected() || st.Test(flow.FlagShadow) {
		return netLayer.VerdictAccept
	}

	if !st.TestAndSet(flow.FlagRaceSyn) {
		if !p.IsSYN() || c.Link() != nil {
			return co.skip(c, false)
		}
		return co.spawn(p, c)
	}

	switch st.Race() {
	case flow.RaceStarted, flow.RaceLost:
	default:
		return netLayer.VerdictAccept
	}

	l := c.Link()
	if l == nil || !l.Acquire() {
		if st.Race() == flow.RaceLost {
			return netLayer.VerdictDrop
		}
		return netLayer.VerdictAccept
	}
	shadow := l.Shadow
	co.duplicate(p, c, shadow)
	l.Release()

	if st.Race() == flow.RaceLost {
		return netLayer.VerdictDrop
	}
	return netLayer.VerdictAccept
}

func (co *Coordinator) spawn(p *netLayer.Packet, c *flow.Conn) netLayer.Verdict {
	srv, ok := co.Pool.Select(p.DstAddrPort(), co.now())
	if !ok {
		if ce := utils.CanLogDebug("race: no relay"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()))
		}
		return co.skip(c, true)
	}

	cp := p.Clone()
	cp.SetDstAddrPort(srv.AddrPort())
	cp.RecomputeChecksums()

	shadow, err := co.Tracker.Create(cp)
	if err != nil {
		if ce := utils.CanLogWarn("race: create shadow failed"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()), zap.Error(err))
		}
		return co.skip(c, true)
	}

	shadow.Status.Set(flow.FlagShadow)
	shadow.Status.Set(flow.FlagRaceSyn)
	shadow.Status.Decide(flow.Redirected)
	shadow.Status.Advance(flow.RaceIdle, flow.RaceSkipped)
	if srv.Encrypt {
		shadow.Status.Set(flow.FlagEncrypt)
		c.Status.Set(flow.FlagEncrypt)
	}
	if co.UDPFallback {
		shadow.Status.Set(flow.FlagUDPFallback)
		c.Status.Set(flow.FlagUDPFallback)
	}

	if err := co.Tracker.Confirm(shadow); err != nil {
		if ce := utils.CanLogWarn("race: confirm shadow failed"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()), zap.Error(err))
		}
		return co.skip(c, true)
	}
	if _, err := flow.Bind(c, shadow); err != nil {
		return co.skip(c, false)
	}
	if !c.Status.Advance(flow.RaceIdle, flow.RaceStarted) {
		if l := c.Link(); l != nil {
			l.Detach()
		}
		return netLayer.VerdictAccept
	}
	co.spawned.Inc()

	if ce := utils.CanLogInfo("race: shadow spawned"); ce != nil {
		ce.Write(zap.String("flow", c.Orig.String()), zap.String("relay", srv.String()))
	}

	co.emit(cp, c, shadow)
	return netLayer.VerdictAccept
}

// duplicate 把原始流的包复制到影子流的身份上发出
func (co *Coordinator) duplicate(p *netLayer.Packet, c, shadow *flow.Conn) {
	cp := p.Clone()
	cp.SetDstAddrPort(shadow.Orig.Dst)
	cp.RecomputeChecksums()

	if sc, _ := co.Tracker.Lookup(cp); sc != shadow {
		return //影子流已经过期
	}
	co.emit(cp, c, shadow)
}

func (co *Coordinator) emit(cp *netLayer.Packet, c, shadow *flow.Conn) {
	opt := codec.OptionFor(cp, shadow.Status.Test(flow.FlagEncrypt), c.Orig.Dst)
	wire, _, err := codec.EncodeTCPWire(cp, opt, shadow.Status.Test(flow.FlagUDPFallback))
	if err != nil {
		// 影子无法编码, 让直连赢
		if ce := utils.CanLogWarn("race: encode shadow failed"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()), zap.Error(err))
		}
		co.directWins(c)
		return
	}
	for _, w := range wire {
		if err := co.Out.Output(w); err != nil {
			if ce := utils.CanLogWarn("race: output failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		if co.Tx != nil {
			co.Tx.Add(uint64(w.Len()))
		}
	}
}

func (co *Coordinator) directWins(c *flow.Conn) bool {
	if !c.Status.Advance(flow.RaceStarted, flow.RaceWon) {
		return false
	}
	co.won.Inc()
	if l := c.Link(); l != nil {
		l.Detach()
	}
	return true
}

// Ingress 处理 回复方向 的 tcp 包. 影子流的回复在这之前已经被解码.
func (co *Coordinator) Ingress(p *netLayer.Packet, c *flow.Conn) netLayer.Verdict {
	if p.Protocol() != netLayer.ProtoTCP {
		return netLayer.VerdictAccept
	}
	if c.Status.Test(flow.FlagShadow) {
		return co.shadowReply(p, c)
	}
	return co.directReply(p, c)
}

func (co *Coordinator) shadowReply(p *netLayer.Packet, shadow *flow.Conn) netLayer.Verdict {
	orig := shadow.Peer()
	if orig == nil {
		return netLayer.VerdictDrop
	}
	if orig.Status.Advance(flow.RaceStarted, flow.RaceLost) {
		co.lost.Inc()
		if ce := utils.CanLogInfo("race: shadow wins"); ce != nil {
			ce.Write(zap.String("flow", orig.Orig.String()))
		}
	}
	if orig.Status.Race() != flow.RaceLost {
		return netLayer.VerdictDrop
	}

	p.SetSrcAddrPort(orig.Reply().Src)
	p.RecomputeChecksums()

	if !shadow.Status.TestAndSet(flow.FlagVoted) {
		ip := orig.Orig.Dst.Addr()
		if !co.Pool.Contains(ip) && !co.Policy.Test(netLayer.SetKnownGood, ip) {
			co.Policy.Add(netLayer.SetRedirect, ip)
			if ce := utils.CanLogInfo("race: shadow got response, add target to redirect"); ce != nil {
				ce.Write(zap.String("ip", ip.String()))
			}
		}
	}
	return netLayer.VerdictAcceptModified
}

func (co *Coordinator) rstVotes(port uint16) bool {
	return len(co.RSTVotePorts) == 0 || slices.Contains(co.RSTVotePorts, port)
}

func (co *Coordinator) directReply(p *netLayer.Packet, c *flow.Conn) netLayer.Verdict {
	switch c.Status.Race() {
	case flow.RaceLost:
		return netLayer.VerdictDrop
	case flow.RaceStarted:
	default:
		return netLayer.VerdictAccept
	}

	ip := c.Orig.Dst.Addr()
	if p.IsRST() {
		co.rstDrop.Inc()
		if co.rstVotes(p.SrcPort()) && !co.Policy.Test(netLayer.SetKnownGood, ip) {
			co.Policy.Add(netLayer.SetRedirect, ip)
			if ce := utils.CanLogInfo("race: direct got reset, add target to redirect"); ce != nil {
				ce.Write(zap.String("ip", ip.String()))
			}
		}
		return netLayer.VerdictDrop
	}

	if co.directWins(c) {
		if ce := utils.CanLogInfo("race: direct wins"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()))
		}
		co.voteDirectOK(ip)
	}
	if c.Status.Race() == flow.RaceWon {
		return netLayer.VerdictAccept
	}
	return netLayer.VerdictDrop
}

func (co *Coordinator) voteDirectOK(ip netip.Addr) {
	if co.Policy.Test(netLayer.SetKnownGood, ip) || co.Pool.Contains(ip) {
		return
	}
	if co.Policy.Test(netLayer.SetRedirect, ip) {
		co.Policy.Del(netLayer.SetRedirect, ip)
	}
}
