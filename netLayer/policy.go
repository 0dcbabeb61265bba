package netLayer

import (
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/e1732a364fed/natcap_simple/utils"
	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// 内置的集合名
const (
	SetRedirect    = "redirect"     //需要重定向的 tcp 目标
	SetUDPRedirect = "udp_redirect" //需要重定向的 udp 目标
	SetKnownGood   = "known_good"   //已知直连可用的目标, 不参与投票
)

// IPSet 是一个 ip 集合. 网段放在 NetRanger 里, 单个ip放在 IPs 里,
// Countries 通过 geoip 匹配 (ISO 3166 大写).
//
// Add/Del 只操作单个 ip, 网段由 AddCIDR 添加.
type IPSet struct {
	Name string

	mu        sync.RWMutex
	NetRanger cidranger.Ranger
	IPs       map[netip.Addr]bool
	Countries []string
}

func NewIPSet(name string) *IPSet {
	return &IPSet{
		Name:      name,
		NetRanger: cidranger.NewPCTrieRanger(),
		IPs:       make(map[netip.Addr]bool),
	}
}

// AddCIDR 接受 "1.2.3.0/24" 或 单个 "1.2.3.4".
func (s *IPSet) AddCIDR(str string) error {
	str = strings.TrimSpace(str)
	if !strings.Contains(str, "/") {
		a, err := netip.ParseAddr(str)
		if err != nil {
			return utils.ErrInErr{ErrDesc: "IPSet.AddCIDR parse ip failed", ErrDetail: err, Data: str}
		}
		s.Add(a)
		return nil
	}
	_, ipnet, err := net.ParseCIDR(str)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "IPSet.AddCIDR parse cidr failed", ErrDetail: err, Data: str}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.NetRanger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
}

func (s *IPSet) RemoveCIDR(str string) error {
	_, ipnet, err := net.ParseCIDR(strings.TrimSpace(str))
	if err != nil {
		return utils.ErrInErr{ErrDesc: "IPSet.RemoveCIDR parse cidr failed", ErrDetail: err, Data: str}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.NetRanger.Remove(*ipnet)
	return err
}

func (s *IPSet) AddCountry(iso string) {
	iso = strings.ToUpper(iso)
	s.mu.Lock()
	if !slices.Contains(s.Countries, iso) {
		s.Countries = append(s.Countries, iso)
	}
	s.mu.Unlock()
}

func (s *IPSet) Add(a netip.Addr) {
	s.mu.Lock()
	s.IPs[a.Unmap()] = true
	s.mu.Unlock()
}

// Del 删除单个ip. 网段与国家不受影响.
func (s *IPSet) Del(a netip.Addr) {
	s.mu.Lock()
	delete(s.IPs, a.Unmap())
	s.mu.Unlock()
}

func (s *IPSet) Has(a netip.Addr) bool {
	a = a.Unmap()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.IPs[a] {
		return true
	}
	if s.NetRanger != nil {
		if ok, _ := s.NetRanger.Contains(a.AsSlice()); ok {
			return true
		}
	}
	if len(s.Countries) > 0 {
		if iso := GetIP_ISO(a.AsSlice()); iso != "" && slices.Contains(s.Countries, iso) {
			return true
		}
	}
	return false
}

// Len returns the number of exact ips (networks not counted).
func (s *IPSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.IPs)
}

// PolicySets 是一组命名的 IPSet, 实现 Test/Add/Del(set, ip).
//
// 未知的集合名 Test 返回 false, Add 时会自动创建.
type PolicySets struct {
	mu   sync.RWMutex
	sets map[string]*IPSet
}

func NewPolicySets() *PolicySets {
	ps := &PolicySets{sets: make(map[string]*IPSet)}
	for _, n := range []string{SetRedirect, SetUDPRedirect, SetKnownGood} {
		ps.sets[n] = NewIPSet(n)
	}
	return ps
}

func (ps *PolicySets) Get(name string) *IPSet {
	ps.mu.RLock()
	s := ps.sets[name]
	ps.mu.RUnlock()
	return s
}

// Ensure 返回名为 name 的集合, 不存在则创建.
func (ps *PolicySets) Ensure(name string) *IPSet {
	if s := ps.Get(name); s != nil {
		return s
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s := ps.sets[name]
	if s == nil {
		s = NewIPSet(name)
		ps.sets[name] = s
	}
	return s
}

func (ps *PolicySets) Test(set string, ip netip.Addr) bool {
	s := ps.Get(set)
	if s == nil {
		return false
	}
	return s.Has(ip)
}

func (ps *PolicySets) Add(set string, ip netip.Addr) {
	ps.Ensure(set).Add(ip)

	if ce := utils.CanLogDebug("policy add"); ce != nil {
		ce.Write(zap.String("set", set), zap.String("ip", ip.String()))
	}
}

func (ps *PolicySets) Del(set string, ip netip.Addr) {
	s := ps.Get(set)
	if s == nil {
		return
	}
	s.Del(ip)

	if ce := utils.CanLogDebug("policy del"); ce != nil {
		ce.Write(zap.String("set", set), zap.String("ip", ip.String()))
	}
}

func (ps *PolicySets) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	r := make([]string, 0, len(ps.sets))
	for n := range ps.sets {
		r = append(r, n)
	}
	return r
}
