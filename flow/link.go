package flow

import (
	"errors"

	"go.uber.org/atomic"
)

var ErrAlreadyLinked = errors.New("conn already linked")

// Link 是原始流(master)与影子流(slave)之间共享的引用计数句柄.
//
// 两端各持有一个引用; 任一端销毁 或 Detach 时释放它那一端的引用, 引用归零后 Link 失效.
type Link struct {
	Original *Conn
	Shadow   *Conn

	refs     atomic.Int32
	detached atomic.Bool
}

// Bind 把 orig 与 shadow 互相关联. 任一端已有关联时返回 ErrAlreadyLinked, 不做任何修改.
func Bind(orig, shadow *Conn) (*Link, error) {
	l := &Link{Original: orig, Shadow: shadow}
	l.refs.Store(2)

	if !orig.link.CompareAndSwap(nil, l) {
		return nil, ErrAlreadyLinked
	}
	if !shadow.link.CompareAndSwap(nil, l) {
		orig.link.CompareAndSwap(l, nil)
		return nil, ErrAlreadyLinked
	}
	return l, nil
}

// Peer 返回 c 的另一端. c 不属于该 Link 时返回nil.
func (l *Link) Peer(c *Conn) *Conn {
	switch c {
	case l.Original:
		return l.Shadow
	case l.Shadow:
		return l.Original
	}
	return nil
}

// Acquire 临时增加一个引用. Link 已失效时返回false.
func (l *Link) Acquire() bool {
	for {
		n := l.refs.Load()
		if n <= 0 {
			return false
		}
		if l.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release 返回是否是最后一个引用.
func (l *Link) Release() (last bool) {
	return l.refs.Dec() == 0
}

func (l *Link) Refs() int32 { return l.refs.Load() }

func (l *Link) Detached() bool { return l.detached.Load() }

// Detach 断开两端, 只有第一次调用返回 true.
func (l *Link) Detach() bool {
	if !l.detached.CompareAndSwap(false, true) {
		return false
	}
	for _, c := range [2]*Conn{l.Original, l.Shadow} {
		if c != nil && c.link.CompareAndSwap(l, nil) {
			l.Release()
		}
	}
	return true
}
