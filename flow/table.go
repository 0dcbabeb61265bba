package flow

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	shardCount = 64

	DefaultIdleTimeout = 5 * time.Minute
)

var _ Tracker = (*Table)(nil)

type entry struct {
	c   *Conn
	dir Dir
	nat bool //dnat 之后的原方向五元组
}

type shard struct {
	mu sync.RWMutex
	m  map[netLayer.Tuple]entry
}

// Table 是内存中的 Tracker, 按五元组分成 shardCount 个分片.
type Table struct {
	shards [shardCount]shard

	IdleTimeout time.Duration
	Now         func() time.Time

	count atomic.Int64
}

func NewTable() *Table {
	t := &Table{IdleTimeout: DefaultIdleTimeout, Now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[netLayer.Tuple]entry)
	}
	return t
}

// fnv-1a
func tupleHash(k netLayer.Tuple) uint32 {
	h := uint32(2166136261)
	mix := func(b byte) {
		h ^= uint32(b)
		h *= 16777619
	}
	mix(k.Proto)
	for _, ap := range [2]netip.AddrPort{k.Src, k.Dst} {
		a := ap.Addr().As4()
		for _, b := range a {
			mix(b)
		}
		mix(byte(ap.Port() >> 8))
		mix(byte(ap.Port()))
	}
	return h
}

func (t *Table) shardFor(k netLayer.Tuple) *shard {
	return &t.shards[tupleHash(k)%shardCount]
}

func (t *Table) get(k netLayer.Tuple) (entry, bool) {
	s := t.shardFor(k)
	s.mu.RLock()
	e, ok := s.m[k]
	s.mu.RUnlock()
	return e, ok
}

// insert 在 k 已被别的流占用时返回false
func (t *Table) insert(k netLayer.Tuple, e entry) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.m[k]; ok {
		return old.c == e.c
	}
	s.m[k] = e
	return true
}

func (t *Table) delete(k netLayer.Tuple, c *Conn) {
	s := t.shardFor(k)
	s.mu.Lock()
	if e, ok := s.m[k]; ok && e.c == c {
		delete(s.m, k)
	}
	s.mu.Unlock()
}

func (t *Table) Len() int { return int(t.count.Load()) }

func (t *Table) Lookup(p *netLayer.Packet) (*Conn, Dir) {
	e, ok := t.get(p.Tuple())
	if !ok {
		return nil, DirOriginal
	}
	e.c.touch(t.Now())
	return e.c, e.dir
}

// Create 为 p 新建一条未确认的流. p 不是完整的 tcp/udp 包, 或 它的五元组已被占用时, 返回 ErrCreateFailed.
func (t *Table) Create(p *netLayer.Packet) (*Conn, error) {
	pr := p.Protocol()
	if pr != netLayer.ProtoTCP && pr != netLayer.ProtoUDP {
		return nil, utils.ErrInErr{ErrDesc: "flow.Table.Create unsupported protocol", ErrDetail: ErrCreateFailed, Data: pr}
	}
	if err := p.CheckL4(); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "flow.Table.Create", ErrDetail: ErrCreateFailed, Data: err.Error()}
	}
	k := p.Tuple()
	if _, ok := t.get(k); ok {
		return nil, utils.ErrInErr{ErrDesc: "flow.Table.Create tuple in use", ErrDetail: ErrCreateFailed, Data: k.String()}
	}
	return newConn(k, t.Now()), nil
}

// Confirm 把 c 放入表中. 重复确认是无害的.
func (t *Table) Confirm(c *Conn) error {
	if c.confirmed.Load() {
		return nil
	}
	if !t.insert(c.Orig, entry{c: c, dir: DirOriginal}) {
		return utils.ErrInErr{ErrDesc: "flow.Table.Confirm original clash", ErrDetail: ErrCreateFailed, Data: c.Orig.String()}
	}
	r := c.Reply()
	if !t.insert(r, entry{c: c, dir: DirReply}) {
		t.delete(c.Orig, c)
		return utils.ErrInErr{ErrDesc: "flow.Table.Confirm reply clash", ErrDetail: ErrCreateFailed, Data: r.String()}
	}
	if k, ok := c.translated(); ok {
		t.insert(k, entry{c: c, dir: DirOriginal, nat: true})
	}
	if !c.confirmed.CompareAndSwap(false, true) {
		return nil
	}
	t.count.Inc()

	if ce := utils.CanLogDebug("flow confirmed"); ce != nil {
		ce.Write(zap.String("flow", c.String()))
	}
	return nil
}

func (t *Table) Acquire(c *Conn) bool { return c.acquire() }

func (t *Table) Release(c *Conn) { c.release() }

func (t *Table) SetDNAT(c *Conn, to netip.AddrPort) error {
	if !to.IsValid() || !to.Addr().Is4() {
		return utils.ErrInErr{ErrDesc: "flow.Table.SetDNAT", ErrDetail: utils.ErrWrongParameter, Data: to.String()}
	}
	old := c.Reply()
	nr := netLayer.Tuple{Proto: c.Orig.Proto, Src: to, Dst: c.Orig.Src}

	nk := netLayer.Tuple{Proto: c.Orig.Proto, Src: c.Orig.Src, Dst: to}

	if c.Confirmed() {
		if !t.insert(nr, entry{c: c, dir: DirReply}) {
			return utils.ErrInErr{ErrDesc: "flow.Table.SetDNAT reply clash", ErrDetail: ErrCreateFailed, Data: nr.String()}
		}
		if !t.insert(nk, entry{c: c, dir: DirOriginal, nat: true}) {
			t.delete(nr, c)
			return utils.ErrInErr{ErrDesc: "flow.Table.SetDNAT translated clash", ErrDetail: ErrCreateFailed, Data: nk.String()}
		}
		if old != nr {
			t.delete(old, c)
		}
		if pk, had := c.translated(); had && pk != nk {
			t.delete(pk, c)
		}
	}
	c.reply.Store(&nr)
	c.dnat.Store(&to)
	return nil
}

func (t *Table) Translate(p *netLayer.Packet, c *Conn, d Dir) bool {
	to, ok := c.DNAT()
	if !ok {
		return false
	}
	switch d {
	case DirOriginal:
		if p.DstAddrPort() == to {
			return false
		}
		p.SetDstAddrPort(to)
	case DirReply:
		if p.SrcAddrPort() == c.Orig.Dst {
			return false
		}
		p.SetSrcAddrPort(c.Orig.Dst)
	}
	p.RecomputeChecksums()
	return true
}

// Remove 把 c 从表中删除并释放表对它的引用.
func (t *Table) Remove(c *Conn) {
	if !c.confirmed.CompareAndSwap(true, false) {
		return
	}
	t.delete(c.Orig, c)
	t.delete(c.Reply(), c)
	if k, ok := c.translated(); ok {
		t.delete(k, c)
	}
	t.count.Dec()
	c.release()
}

// Range 遍历所有流的原方向条目. fn 返回false停止.
func (t *Table) Range(fn func(c *Conn) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		var cs []*Conn
		for _, e := range s.m {
			if e.dir == DirOriginal && !e.nat {
				cs = append(cs, e.c)
			}
		}
		s.mu.RUnlock()

		for _, c := range cs {
			if !fn(c) {
				return
			}
		}
	}
}

// Sweep 删除闲置超过 IdleTimeout 的流, 返回删除数量.
func (t *Table) Sweep() (n int) {
	deadline := t.Now().Add(-t.IdleTimeout)
	var olds []*Conn
	t.Range(func(c *Conn) bool {
		if c.LastSeen().Before(deadline) {
			olds = append(olds, c)
		}
		return true
	})
	for _, c := range olds {
		t.Remove(c)
		n++
	}
	return
}

// StartCleanup 每 interval 调用一次 Sweep, 直到 ctx 结束.
func (t *Table) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					if ce := utils.CanLogDebug("flow sweep"); ce != nil {
						ce.Write(zap.Int("removed", n), zap.Int("left", t.Len()))
					}
				}
			}
		}
	}()
}
