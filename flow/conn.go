package flow

import (
	"net/netip"
	"time"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"go.uber.org/atomic"
)

// Dir 是一个包相对于它所属流的方向
type Dir uint8

const (
	DirOriginal Dir = iota
	DirReply
)

func (d Dir) String() string {
	if d == DirReply {
		return "reply"
	}
	return "original"
}

// Conn 是一条被跟踪的双向流.
//
// Orig 是第一个包的方向; Reply 是期望的回复方向, 设置 DNAT 后会随之变化.
type Conn struct {
	Orig netLayer.Tuple

	Status Status

	reply    atomic.Pointer[netLayer.Tuple]
	dnat     atomic.Pointer[netip.AddrPort]
	link     atomic.Pointer[Link]
	refs     atomic.Int32
	lastSeen atomic.Int64

	confirmed atomic.Bool
	dead      atomic.Bool
}

func newConn(t netLayer.Tuple, now time.Time) *Conn {
	c := &Conn{Orig: t}
	r := t.Reverse()
	c.reply.Store(&r)
	c.refs.Store(1)
	c.lastSeen.Store(now.UnixNano())
	return c
}

// NewConn creates an untracked record, mainly for tests and custom trackers.
func NewConn(t netLayer.Tuple) *Conn { return newConn(t, time.Now()) }

func (c *Conn) Reply() netLayer.Tuple { return *c.reply.Load() }

// DNAT 返回原方向被改写后的目标. 没有设置时 ok 为false.
func (c *Conn) DNAT() (to netip.AddrPort, ok bool) {
	if p := c.dnat.Load(); p != nil {
		return *p, true
	}
	return
}

// translated 是 dnat 之后原方向包的五元组, post_routing 上用它找回流.
func (c *Conn) translated() (netLayer.Tuple, bool) {
	to, ok := c.DNAT()
	if !ok {
		return netLayer.Tuple{}, false
	}
	return netLayer.Tuple{Proto: c.Orig.Proto, Src: c.Orig.Src, Dst: to}, true
}

func (c *Conn) Confirmed() bool { return c.confirmed.Load() }

// Link 返回竞速关联, 没有时为 nil
func (c *Conn) Link() *Link { return c.link.Load() }

// Peer 返回关联的另一条流. 另一端已经销毁时返回nil.
func (c *Conn) Peer() *Conn {
	l := c.Link()
	if l == nil {
		return nil
	}
	if pc := l.Peer(c); pc != nil && !pc.dead.Load() {
		return pc
	}
	return nil
}

func (c *Conn) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) acquire() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *Conn) release() {
	if c.refs.Dec() == 0 {
		c.destroy()
	}
}

// destroy 解除与 peer 的关联, 只执行一次.
func (c *Conn) destroy() {
	if !c.dead.CompareAndSwap(false, true) {
		return
	}
	if l := c.link.Swap(nil); l != nil {
		l.Release()
	}
}

func (c *Conn) String() string {
	return c.Orig.String() + " [" + c.Status.String() + "]"
}
