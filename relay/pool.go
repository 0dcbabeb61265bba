/*
Package relay 存放 中继服务器池.

池中最多放 Capacity 个 Server, 按 (addr, port) 从大到小排列.
读取(Select, Contains 等)无锁; 写入(Add, Remove)串行, 每次写入都会生成新的一代, 然后原子地切换.
*/
package relay

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
)

const Capacity = 256

// 特殊端口
const (
	PortOriginal uint16 = 0     //沿用原目标端口
	PortRandom   uint16 = 65535 //根据时间和目标地址生成一个端口
)

var (
	ErrDuplicate = errors.New("relay server already exists")
	ErrNotFound  = errors.New("relay server not found")
	ErrFull      = errors.New("relay pool full")
)

// Server 是一个中继服务器. 被选中后不可修改.
type Server struct {
	Addr    netip.Addr
	Port    uint16
	Encrypt bool
}

// "1.2.3.4:443-e" 或 "1.2.3.4:0-o"
func (s Server) String() string {
	suffix := "-o"
	if s.Encrypt {
		suffix = "-e"
	}
	return netip.AddrPortFrom(s.Addr, s.Port).String() + suffix
}

func (s Server) AddrPort() netip.AddrPort { return netip.AddrPortFrom(s.Addr, s.Port) }

// same 只比较 addr 和 port
func (s Server) same(o Server) bool { return s.Addr == o.Addr && s.Port == o.Port }

func (s Server) less(o Server) bool {
	if c := s.Addr.Compare(o.Addr); c != 0 {
		return c < 0
	}
	return s.Port < o.Port
}

// ParseServer 解析 "ip:port", 可带 "-e"(要求加密) 或 "-o" 后缀.
func ParseServer(str string) (s Server, err error) {
	str = strings.TrimSpace(str)
	if i := strings.LastIndexByte(str, '-'); i > 0 {
		switch str[i+1:] {
		case "e":
			s.Encrypt = true
		case "o":
		default:
			return s, errors.New("relay.ParseServer: unknown suffix " + str[i:])
		}
		str = str[:i]
	}
	ap, err := netip.ParseAddrPort(str)
	if err != nil {
		return
	}
	if !ap.Addr().Is4() {
		return s, errors.New("relay.ParseServer: not ipv4, " + str)
	}
	s.Addr = ap.Addr()
	s.Port = ap.Port()
	return
}

type generation struct {
	servers [Capacity]Server
	count   int
}

func (g *generation) slice() []Server { return g.servers[:g.count] }

// Pool 是 双缓冲 的中继池. 零值不可用, 要用 NewPool.
type Pool struct {
	mu sync.Mutex

	gens   [2]atomic.Pointer[generation]
	active atomic.Uint32

	persist atomic.Duration

	index      atomic.Uint32
	lastRotate atomic.Int64 //unix nano
}

func NewPool() *Pool {
	p := &Pool{}
	p.gens[0].Store(&generation{})
	p.gens[1].Store(&generation{})
	p.index.Store(^uint32(0)) //第一次轮换后为0
	return p
}

// SetPersistInterval 设置 同一中继 被持续使用的时长. 0 表示每次 Select 都轮换.
func (p *Pool) SetPersistInterval(d time.Duration) { p.persist.Store(d) }

func (p *Pool) PersistInterval() time.Duration { return p.persist.Load() }

func (p *Pool) current() *generation {
	return p.gens[p.active.Load()].Load()
}

// publish 把 g 放进非活动槽, 然后切换. 调用者持有 mu.
func (p *Pool) publish(g *generation) {
	next := 1 - p.active.Load()
	p.gens[next].Store(g)
	p.active.Store(next)
}

func (p *Pool) Add(s Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.current()
	if slices.IndexFunc(cur.slice(), s.same) >= 0 {
		return ErrDuplicate
	}
	if cur.count == Capacity {
		return ErrFull
	}

	g := &generation{}
	j := 0
	i := 0
	for ; i < cur.count && s.less(cur.servers[i]); i++ {
		g.servers[j] = cur.servers[i]
		j++
	}
	g.servers[j] = s
	j++
	for ; i < cur.count; i++ {
		g.servers[j] = cur.servers[i]
		j++
	}
	g.count = j

	p.publish(g)
	return nil
}

// Remove 按 (addr, port) 删除, 不比较 Encrypt.
func (p *Pool) Remove(s Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.current()
	g := &generation{}
	j := 0
	for _, x := range cur.slice() {
		if x.same(s) {
			continue
		}
		g.servers[j] = x
		j++
	}
	if j == cur.count {
		return ErrNotFound
	}
	g.count = j

	p.publish(g)
	return nil
}

// Cleanup 清空整个池.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish(&generation{})
}

func (p *Pool) Len() int { return p.current().count }

// List 返回当前代的一份拷贝, 顺序即为池内顺序.
func (p *Pool) List() []Server {
	return slices.Clone(p.current().slice())
}

// Get 按序号取, 越界返回 false.
func (p *Pool) Get(idx int) (Server, bool) {
	g := p.current()
	if idx < 0 || idx >= g.count {
		return Server{}, false
	}
	return g.servers[idx], true
}

// Contains 判断 ip 是否是池中某个中继的地址.
func (p *Pool) Contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, s := range p.current().slice() {
		if s.Addr == ip {
			return true
		}
	}
	return false
}

func (p *Pool) rotate(now time.Time) uint32 {
	d := p.persist.Load()
	if d <= 0 {
		return p.index.Inc()
	}
	last := p.lastRotate.Load()
	n := now.UnixNano()
	if n > last+int64(d) && p.lastRotate.CompareAndSwap(last, n) {
		return p.index.Inc()
	}
	return p.index.Load()
}

// Select 为目标 dst 选一个中继. 池为空时返回 false, 调用者应直连.
//
// 返回的 Server 端口已经解析过特殊值; 目标端口为 443 或 22 时 Encrypt 总是 false.
func (p *Pool) Select(dst netip.AddrPort, now time.Time) (Server, bool) {
	g := p.current()
	if g.count == 0 {
		return Server{}, false
	}

	idx := p.rotate(now)
	s := g.servers[idx%uint32(g.count)]

	switch s.Port {
	case PortOriginal:
		s.Port = dst.Port()
	case PortRandom:
		a4 := dst.Addr().As4()
		ip := uint32(a4[0])<<24 | uint32(a4[1])<<16 | uint32(a4[2])<<8 | uint32(a4[3])
		s.Port = uint16((uint32(now.UnixMilli()) ^ ip) & 0xffff)
		if s.Port == 0 {
			s.Port = dst.Port()
		}
	}

	if dp := dst.Port(); dp == 443 || dp == 22 {
		s.Encrypt = false
	}
	return s, true
}

func (p *Pool) String() string {
	var sb strings.Builder
	for i, s := range p.current().slice() {
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString(" ")
		sb.WriteString(s.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
