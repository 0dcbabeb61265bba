/*
Package pipeline 把 中继池, 连接跟踪, 编解码 与 竞速 串成一条按 netfilter 优先级排列的包处理流水线.

	pre_routing:  strip_fallback(ct-5) [conntrack] decode(ct+5) race_in(ct+6) dnat(nat_dst-35) nat_dst
	local_out:    [conntrack] dnat(nat_dst-35) nat_dst
	post_routing: nat_src encode(last) race_out(last)
	local_in:     nat_src encode(last)

nat_dst 与 nat_src 模拟内核 nat 对已建立 DNAT 的流所做的地址改写.
*/
package pipeline

import (
	"time"

	"github.com/e1732a364fed/natcap_simple/flow"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/race"
	"github.com/e1732a364fed/natcap_simple/relay"
	"go.uber.org/atomic"
)

type (
	Verdict = netLayer.Verdict
	Policy  = netLayer.Policy
	Output  = netLayer.PacketOutput
)

const (
	Accept         = netLayer.VerdictAccept
	AcceptModified = netLayer.VerdictAcceptModified
	Drop           = netLayer.VerdictDrop
	Stolen         = netLayer.VerdictStolen
)

const (
	EncodeModeTCP = "tcp"
	EncodeModeUDP = "udp"
)

type Config struct {
	// "tcp" 或 "udp". udp 表示重定向的 tcp 流用 udp fallback 发送.
	EncodeMode string

	ServerPersist time.Duration

	RSTVotePorts []uint16
}

// Stats 为累计值, 不会被重置.
type Stats struct {
	TxBytes uint64
	RxBytes uint64
	Race    race.Stats
}

type Engine struct {
	Pool    *relay.Pool
	Tracker flow.Tracker
	Policy  Policy
	Out     Output
	Race    *race.Coordinator

	Now func() time.Time

	udpFallback bool
	enabled     atomic.Bool

	tx, rx atomic.Uint64

	hooks hookTable
}

func New(cfg Config, pool *relay.Pool, tr flow.Tracker, policy Policy, out Output) *Engine {
	e := &Engine{
		Pool:        pool,
		Tracker:     tr,
		Policy:      policy,
		Out:         out,
		Now:         time.Now,
		udpFallback: cfg.EncodeMode == EncodeModeUDP,
	}
	pool.SetPersistInterval(cfg.ServerPersist)

	e.Race = race.New(pool, tr, policy, out)
	e.Race.UDPFallback = e.udpFallback
	e.Race.RSTVotePorts = cfg.RSTVotePorts
	e.Race.Tx = &e.tx
	e.Race.Now = func() time.Time { return e.Now() }

	e.registerHooks()
	e.enabled.Store(true)
	return e
}

func (e *Engine) registerHooks() {
	for _, h := range []Hook{
		{Name: "strip_fallback", Point: PreRouting, Priority: PriConntrack - 5, fn: e.stripFallback},
		{Name: "decode", Point: PreRouting, Priority: PriConntrack + 5, fn: e.decode},
		{Name: "race_in", Point: PreRouting, Priority: PriConntrack + 6, fn: e.raceIn},
		{Name: "dnat", Point: PreRouting, Priority: PriNatDst - 35, fn: e.dnat},
		{Name: "nat_dst", Point: PreRouting, Priority: PriNatDst, fn: e.natDst},

		{Name: "dnat", Point: LocalOut, Priority: PriNatDst - 35, fn: e.dnat},
		{Name: "nat_dst", Point: LocalOut, Priority: PriNatDst, fn: e.natDst},

		{Name: "nat_src", Point: PostRouting, Priority: PriNatSrc, fn: e.natSrc},
		{Name: "encode", Point: PostRouting, Priority: PriLast, fn: e.encode},
		{Name: "race_out", Point: PostRouting, Priority: PriLast, fn: e.raceOut},

		{Name: "nat_src", Point: LocalIn, Priority: PriNatSrc, fn: e.natSrc},
		{Name: "encode", Point: LocalIn, Priority: PriLast, fn: e.encodeReply},
	} {
		e.hooks.register(h)
	}
}

// Hooks 列出所有阶段, 按 hook 点及优先级排列.
func (e *Engine) Hooks() []Hook { return e.hooks.all() }

func (e *Engine) SetEnabled(b bool) { e.enabled.Store(b) }

func (e *Engine) Enabled() bool { return e.enabled.Load() }

func (e *Engine) Stats() Stats {
	return Stats{TxBytes: e.tx.Load(), RxBytes: e.rx.Load(), Race: e.Race.Stats()}
}

// Ingress 处理进入本机 (pre_routing) 的包.
func (e *Engine) Ingress(p *netLayer.Packet) Verdict { return e.Process(PreRouting, p) }

func (e *Engine) LocalOut(p *netLayer.Packet) Verdict { return e.Process(LocalOut, p) }

// Egress 处理即将发出 (post_routing) 的包.
func (e *Engine) Egress(p *netLayer.Packet) Verdict { return e.Process(PostRouting, p) }

func (e *Engine) LocalIn(p *netLayer.Packet) Verdict { return e.Process(LocalIn, p) }

// Process 依次执行 point 上的阶段. 任一阶段 Drop 或 Stolen 时立即返回.
func (e *Engine) Process(point HookPoint, p *netLayer.Packet) Verdict {
	if !e.enabled.Load() || point >= hookPointCount {
		return Accept
	}
	switch p.Protocol() {
	case netLayer.ProtoTCP, netLayer.ProtoUDP:
	default:
		return Accept
	}
	if p.IsFragment() {
		return Accept
	}
	if p.CheckL4() != nil {
		return Drop
	}

	x := &pktCtx{e: e, p: p, point: point}
	modified := false
	for _, h := range e.hooks[point] {
		switch v := h.fn(x); v {
		case Drop, Stolen:
			return v
		case AcceptModified:
			modified = true
		}
	}
	if modified {
		return AcceptModified
	}
	return Accept
}

// pktCtx 在一次 Process 中缓存 p 所属的流.
type pktCtx struct {
	e     *Engine
	p     *netLayer.Packet
	point HookPoint

	c      *flow.Conn
	dir    flow.Dir
	looked bool
}

// conn 找到 p 所属的流; 在 pre_routing 与 local_out 上找不到时, 像 conntrack 一样新建并确认.
func (x *pktCtx) conn() (*flow.Conn, flow.Dir) {
	if x.looked {
		return x.c, x.dir
	}
	x.looked = true
	x.c, x.dir = x.e.Tracker.Lookup(x.p)
	if x.c != nil {
		return x.c, x.dir
	}
	if x.point != PreRouting && x.point != LocalOut {
		return nil, flow.DirOriginal
	}
	c, err := x.e.Tracker.Create(x.p)
	if err != nil {
		return nil, flow.DirOriginal
	}
	if x.e.Tracker.Confirm(c) != nil {
		return nil, flow.DirOriginal
	}
	x.c, x.dir = c, flow.DirOriginal
	return x.c, x.dir
}

// relook 在 p 的五元组被改写后, 丢弃缓存的流.
func (x *pktCtx) relook() { x.looked = false; x.c = nil }
