package pipeline

import (
	"github.com/e1732a364fed/natcap_simple/codec"
	"github.com/e1732a364fed/natcap_simple/flow"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/zap"
)

// untouched 表示 这个流已经不该再被我们改动
func untouched(c *flow.Conn) bool {
	return c == nil || c.Status.IsBypass() || c.Status.Test(flow.FlagCodecErr)
}

// codecFailed 丢弃 p, 并让 c 之后的包都原样通过.
func (e *Engine) codecFailed(c *flow.Conn, stage string, err error) Verdict {
	c.Status.Decide(flow.Bypass)
	if !c.Status.TestAndSet(flow.FlagCodecErr) {
		if ce := utils.CanLogWarn("codec failed, flow left untouched"); ce != nil {
			ce.Write(zap.String("stage", stage), zap.String("flow", c.Orig.String()), zap.Error(err))
		}
	}
	return Drop
}

// stripFallback 把中继发来的 udp fallback 包还原成 tcp, 放在 conntrack 之前, 这样 conntrack 看到的是 tcp.
func (e *Engine) stripFallback(x *pktCtx) Verdict {
	p := x.p
	if p.Protocol() != netLayer.ProtoUDP || p.GSOSize > 0 {
		return Accept
	}
	found, err := codec.DecodeUDPFallback(p)
	if err != nil {
		if ce := utils.CanLogWarn("strip udp fallback failed"); ce != nil {
			ce.Write(zap.String("pkt", p.Tuple().String()), zap.Error(err))
		}
		return Drop
	}
	if !found {
		return Accept
	}
	x.relook()
	return AcceptModified
}

// decode 处理重定向流 回复方向 的包: 统计 rx, 去掉 tcp 选项, 吞掉 udp 的 keep-alive 确认.
func (e *Engine) decode(x *pktCtx) Verdict {
	c, dir := x.conn()
	if untouched(c) || dir != flow.DirReply || !c.Status.IsRedirected() {
		return Accept
	}
	p := x.p
	e.rx.Add(uint64(p.Len()))

	switch p.Protocol() {
	case netLayer.ProtoTCP:
		_, found, err := codec.DecodeTCP(p)
		if err != nil {
			return e.codecFailed(c, "decode", err)
		}
		if found {
			return AcceptModified
		}

	case netLayer.ProtoUDP:
		if codec.IsAckProbe(p) {
			if !c.Status.TestAndSet(flow.FlagRelayAck) {
				if ce := utils.CanLogInfo("got relay ack"); ce != nil {
					ce.Write(zap.String("flow", c.Orig.String()))
				}
			}
			return Stolen
		}
	}
	return Accept
}

func (e *Engine) raceIn(x *pktCtx) Verdict {
	c, dir := x.conn()
	if c == nil || dir != flow.DirReply || x.p.Protocol() != netLayer.ProtoTCP {
		return Accept
	}
	if !c.Status.Test(flow.FlagShadow) && !c.Status.Test(flow.FlagRaceSyn) {
		return Accept
	}
	return e.Race.Ingress(x.p, c)
}

// dnat 为原方向第一个包决定是否重定向, 并为重定向的流设置 dnat.
func (e *Engine) dnat(x *pktCtx) Verdict {
	c, dir := x.conn()
	if untouched(c) || dir != flow.DirOriginal || c.Status.Test(flow.FlagShadow) {
		return Accept
	}
	p := x.p
	st := &c.Status

	if st.IsRedirected() {
		if p.Protocol() == netLayer.ProtoTCP && p.IsSYN() {
			e.synLadder(c)
		}
		return Accept
	}

	set := netLayer.SetRedirect
	if p.Protocol() == netLayer.ProtoUDP {
		set = netLayer.SetUDPRedirect
	} else if !p.IsSYN() {
		// 中途接手的 tcp 流无法重定向
		st.Decide(flow.Bypass)
		return Accept
	}

	dst := p.DstAddrPort()
	if !e.Policy.Test(set, dst.Addr()) {
		st.Decide(flow.Bypass)
		return Accept
	}

	if st.TestAndSet(flow.FlagNATSetup) {
		//另一个包正在设置
		if st.IsRedirected() {
			return Accept
		}
		return Drop
	}

	srv, ok := e.Pool.Select(dst, e.Now())
	if !ok {
		if ce := utils.CanLogDebug("dnat: no relay"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()))
		}
		st.Decide(flow.Bypass)
		return Accept
	}

	if err := e.Tracker.SetDNAT(c, srv.AddrPort()); err != nil {
		if ce := utils.CanLogErr("dnat setup failed"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()), zap.String("relay", srv.String()), zap.Error(err))
		}
		st.Decide(flow.Bypass)
		return Drop
	}
	if srv.Encrypt {
		st.Set(flow.FlagEncrypt)
	}
	if e.udpFallback && p.Protocol() == netLayer.ProtoTCP {
		st.Set(flow.FlagUDPFallback)
	}
	st.Decide(flow.Redirected)

	if ce := utils.CanLogInfo("new redirected flow"); ce != nil {
		ce.Write(zap.String("flow", c.Orig.String()), zap.String("relay", srv.String()))
	}
	return Accept
}

// synLadder 统计重定向之后的 syn 重传. 第三次重传时认为中继也不通, 把目标移出 redirect 集合, 只做一次.
func (e *Engine) synLadder(c *flow.Conn) {
	st := &c.Status
	if !st.TestAndSet(flow.FlagSyn1) {
		return
	}
	if !st.TestAndSet(flow.FlagSyn2) {
		return
	}
	if st.TestAndSet(flow.FlagSyn3) {
		return
	}
	ip := c.Orig.Dst.Addr()
	e.Policy.Del(netLayer.SetRedirect, ip)

	if ce := utils.CanLogInfo("syn3, del target from redirect"); ce != nil {
		ce.Write(zap.String("flow", c.Orig.String()))
	}
}

func (e *Engine) natDst(x *pktCtx) Verdict {
	c, dir := x.conn()
	if c == nil || dir != flow.DirOriginal {
		return Accept
	}
	if e.Tracker.Translate(x.p, c, dir) {
		return AcceptModified
	}
	return Accept
}

func (e *Engine) natSrc(x *pktCtx) Verdict {
	c, dir := x.conn()
	if c == nil || dir != flow.DirReply {
		return Accept
	}
	if e.Tracker.Translate(x.p, c, dir) {
		return AcceptModified
	}
	return Accept
}

// encodeReply 只处理回复方向: udp fallback 的流每个包多出 8 字节, 所以把 syn-ack 的 mss 减 8.
//
// 影子赢了的原始流是 bypass 的, 但它的回复其实来自中继, 也要减.
func (e *Engine) encodeReply(x *pktCtx) Verdict {
	c, dir := x.conn()
	if c == nil || dir != flow.DirReply || c.Status.Test(flow.FlagCodecErr) || !c.Status.Test(flow.FlagUDPFallback) {
		return Accept
	}
	if !c.Status.IsRedirected() && c.Status.Race() != flow.RaceLost {
		return Accept
	}
	if x.p.Protocol() == netLayer.ProtoTCP && x.p.AdjustMSS(-codec.FallbackLen) {
		return AcceptModified
	}
	return Accept
}

// encode 对重定向流原方向的包做伪装编码, 回复方向交给 encodeReply.
func (e *Engine) encode(x *pktCtx) Verdict {
	c, dir := x.conn()
	if dir == flow.DirReply {
		return e.encodeReply(x)
	}
	if untouched(c) || !c.Status.IsRedirected() || c.Status.Test(flow.FlagShadow) {
		return Accept
	}

	switch x.p.Protocol() {
	case netLayer.ProtoTCP:
		return e.encodeTCP(x, c)
	case netLayer.ProtoUDP:
		return e.encodeUDP(x, c)
	}
	return Accept
}

func (e *Engine) encodeTCP(x *pktCtx, c *flow.Conn) Verdict {
	p := x.p
	opt := codec.OptionFor(p, c.Status.Test(flow.FlagEncrypt), c.Orig.Dst)
	fallback := c.Status.Test(flow.FlagUDPFallback)

	wire, dropped, err := codec.EncodeTCPWire(p, opt, fallback)
	if err != nil {
		return e.codecFailed(c, "encode", err)
	}
	if !fallback {
		e.tx.Add(uint64(p.Len()))
		return AcceptModified
	}

	if dropped > 0 {
		if ce := utils.CanLogDebug("udp fallback segments dropped"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()), zap.Int("n", dropped))
		}
	}
	for _, w := range wire {
		if err := e.Out.Output(w); err != nil {
			if ce := utils.CanLogWarn("output failed"); ce != nil {
				ce.Write(zap.String("flow", c.Orig.String()), zap.Error(err))
			}
			continue
		}
		e.tx.Add(uint64(w.Len()))
	}
	return Stolen
}

// encodeUDP 在收到中继确认之前, 每个包都带上原目标: 小包直接插入地址头, 大包另发一个探测包.
func (e *Engine) encodeUDP(x *pktCtx, c *flow.Conn) (v Verdict) {
	p := x.p
	defer func() { e.tx.Add(uint64(p.Len())) }()

	if c.Status.Test(flow.FlagRelayAck) {
		return Accept
	}
	if codec.NeedsAddrProbe(p) {
		probe, err := codec.BuildAddrProbe(p, c.Orig.Dst)
		if err != nil {
			return Accept
		}
		if err := e.Out.Output(probe); err != nil {
			if ce := utils.CanLogWarn("output probe failed"); ce != nil {
				ce.Write(zap.String("flow", c.Orig.String()), zap.Error(err))
			}
		}
		return Accept
	}
	if err := codec.EncodeUDPAddr(p, c.Orig.Dst); err != nil {
		if ce := utils.CanLogDebug("udp addr encode failed"); ce != nil {
			ce.Write(zap.String("flow", c.Orig.String()), zap.Error(err))
		}
		return Accept
	}
	return AcceptModified
}

func (e *Engine) raceOut(x *pktCtx) Verdict {
	c, dir := x.conn()
	if c == nil || dir != flow.DirOriginal || x.p.Protocol() != netLayer.ProtoTCP {
		return Accept
	}
	if c.Status.Test(flow.FlagCodecErr) {
		return Accept
	}
	return e.Race.Egress(x.p, c)
}
