package pipeline

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/e1732a364fed/natcap_simple/codec"
	"github.com/e1732a364fed/natcap_simple/flow"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/relay"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	clientAP = "192.168.1.2:40000"
	targetAP = "8.8.8.8:80"
	relayAP  = "1.1.1.1:1000"
)

type tcpFlags struct{ syn, ack, rst bool }

func ipOf(ap netip.AddrPort) net.IP { return net.IP(ap.Addr().AsSlice()) }

func serialize(t testing.TB, ls ...gopacket.SerializableLayer) *netLayer.Packet {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...); err != nil {
		t.Fatal(err)
	}
	p, err := netLayer.Parse(append([]byte(nil), buf.Bytes()...))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func tcpPacket(t testing.TB, src, dst string, f tcpFlags, payload []byte, opts ...layers.TCPOption) *netLayer.Packet {
	t.Helper()
	s, d := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: ipOf(s), DstIP: ipOf(d)}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(s.Port()), DstPort: layers.TCPPort(d.Port()),
		Seq: 1000, SYN: f.syn, ACK: f.ack, RST: f.rst, Window: 65535, Options: opts}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ip, tcp, gopacket.Payload(payload))
}

func udpPacket(t testing.TB, src, dst string, payload []byte) *netLayer.Packet {
	t.Helper()
	s, d := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: ipOf(s), DstIP: ipOf(d)}
	udp := &layers.UDP{SrcPort: layers.UDPPort(s.Port()), DstPort: layers.UDPPort(d.Port())}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func mssOpt(v uint16) layers.TCPOption {
	return layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{byte(v >> 8), byte(v)}}
}

// checkWire 用 gopacket 独立解析 p, 确认长度与校验和都正确
func checkWire(t *testing.T, p *netLayer.Packet) gopacket.Packet {
	t.Helper()
	if !p.VerifyChecksums() {
		t.Fatal("bad checksum on wire")
	}
	pkt := gopacket.NewPacket(p.Data, layers.LayerTypeIPv4, gopacket.Default)
	if el := pkt.ErrorLayer(); el != nil {
		t.Fatalf("gopacket decode err: %v", el.Error())
	}
	return pkt
}

type collector struct {
	mu   sync.Mutex
	pkts []*netLayer.Packet
}

func (c *collector) Output(p *netLayer.Packet) error {
	c.mu.Lock()
	c.pkts = append(c.pkts, p)
	c.mu.Unlock()
	return nil
}

// countingPolicy 记录 Del 调用次数
type countingPolicy struct {
	*netLayer.PolicySets
	mu   sync.Mutex
	dels map[string]int
}

func (c *countingPolicy) Del(set string, ip netip.Addr) {
	c.mu.Lock()
	c.dels[set+" "+ip.String()]++
	c.mu.Unlock()
	c.PolicySets.Del(set, ip)
}

type fixture struct {
	e      *Engine
	table  *flow.Table
	policy *countingPolicy
	out    *collector
}

func newFixture(t *testing.T, mode string, relays ...string) *fixture {
	t.Helper()
	pool := relay.NewPool()
	for _, r := range relays {
		s, err := relay.ParseServer(r)
		if err != nil {
			t.Fatal(err)
		}
		if err := pool.Add(s); err != nil {
			t.Fatal(err)
		}
	}
	f := &fixture{
		table:  flow.NewTable(),
		policy: &countingPolicy{PolicySets: netLayer.NewPolicySets(), dels: map[string]int{}},
		out:    &collector{},
	}
	f.e = New(Config{EncodeMode: mode}, pool, f.table, f.policy, f.out)
	return f
}

func (f *fixture) conn(t *testing.T, p *netLayer.Packet) *flow.Conn {
	t.Helper()
	c, _ := f.table.Lookup(p)
	if c == nil {
		t.Fatal("flow not tracked")
	}
	return c
}

func TestHooksOrder(t *testing.T) {
	f := newFixture(t, EncodeModeTCP)
	want := map[HookPoint][]string{
		PreRouting:  {"strip_fallback", "decode", "race_in", "dnat", "nat_dst"},
		LocalOut:    {"dnat", "nat_dst"},
		PostRouting: {"nat_src", "encode", "race_out"},
		LocalIn:     {"nat_src", "encode"},
	}
	got := map[HookPoint][]string{}
	last := map[HookPoint]int{}
	for _, h := range f.e.Hooks() {
		if n, ok := last[h.Point]; ok && h.Priority < n {
			t.Fatalf("%v: %s out of order", h.Point, h.Name)
		}
		last[h.Point] = h.Priority
		got[h.Point] = append(got[h.Point], h.Name)
	}
	for pt, names := range want {
		if len(got[pt]) != len(names) {
			t.Fatalf("%v: got %v", pt, got[pt])
		}
		for i := range names {
			if got[pt][i] != names[i] {
				t.Fatalf("%v: got %v", pt, got[pt])
			}
		}
	}
}

func TestRedirectSyn(t *testing.T) {
	f := newFixture(t, EncodeModeTCP, relayAP+"-e")
	f.policy.Add(netLayer.SetRedirect, netip.MustParseAddrPort(targetAP).Addr())

	syn := tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil, mssOpt(1460))
	if v := f.e.Ingress(syn); v != AcceptModified {
		t.Fatalf("ingress verdict %v", v)
	}
	if syn.DstAddrPort() != netip.MustParseAddrPort(relayAP) {
		t.Fatalf("dst not rewritten: %v", syn.DstAddrPort())
	}
	c := f.conn(t, syn)
	if !c.Status.IsRedirected() || !c.Status.Test(flow.FlagEncrypt) {
		t.Fatalf("status %v", &c.Status)
	}

	if v := f.e.Egress(syn); v != AcceptModified {
		t.Fatalf("egress verdict %v", v)
	}
	pkt := checkWire(t, syn.Clone())
	tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	var opt *layers.TCPOption
	for i := range tcp.Options {
		if tcp.Options[i].OptionType == layers.TCPOptionKind(codec.OptKind) {
			opt = &tcp.Options[i]
		}
	}
	if opt == nil || opt.OptionLength != codec.OptLenSyn {
		t.Fatal("syn option missing")
	}
	if opt.OptionData[0] != codec.OpcodeSyn || opt.OptionData[1]&codec.OptFlagEncrypt == 0 {
		t.Fatalf("option data %x", opt.OptionData)
	}
	if dst := netip.AddrFrom4([4]byte(opt.OptionData[2:6])); dst.String() != "8.8.8.8" ||
		binary.BigEndian.Uint16(opt.OptionData[6:]) != 80 {
		t.Fatal("original destination not carried")
	}

	if st := f.e.Stats(); st.TxBytes != uint64(syn.Len()) {
		t.Fatalf("tx %d, wire %d", st.TxBytes, syn.Len())
	}
	if len(f.out.pkts) != 0 {
		t.Fatal("redirected flow must not race")
	}

	// 中继的回复: 选项被去掉, 源地址改回原目标
	sa := tcpPacket(t, relayAP, clientAP, tcpFlags{syn: true, ack: true}, nil,
		layers.TCPOption{OptionType: layers.TCPOptionKind(codec.OptKind), OptionLength: codec.OptLen, OptionData: []byte{codec.OpcodeData, 0}})
	if v := f.e.Ingress(sa); v != AcceptModified {
		t.Fatalf("reply ingress %v", v)
	}
	if off, _ := codec.FindTCPOption(sa); off >= 0 {
		t.Fatal("option not stripped")
	}
	if v := f.e.LocalIn(sa); v != AcceptModified {
		t.Fatalf("reply local in %v", v)
	}
	if sa.SrcAddrPort() != netip.MustParseAddrPort(targetAP) {
		t.Fatalf("reply src %v", sa.SrcAddrPort())
	}
	checkWire(t, sa)
	if f.e.Stats().RxBytes == 0 {
		t.Fatal("rx not counted")
	}
}

func TestSynLadderRemovesOnce(t *testing.T) {
	f := newFixture(t, EncodeModeTCP, relayAP+"-o")
	target := netip.MustParseAddrPort(targetAP).Addr()
	f.policy.Add(netLayer.SetRedirect, target)

	f.e.Ingress(tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil))

	for i := 1; i <= 4; i++ {
		f.e.Ingress(tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil))
		inSet := f.policy.Test(netLayer.SetRedirect, target)
		if i < 3 && !inSet {
			t.Fatalf("removed after %d retransmissions", i)
		}
		if i >= 3 && inSet {
			t.Fatalf("still in set after %d retransmissions", i)
		}
	}
	if n := f.policy.dels[netLayer.SetRedirect+" "+target.String()]; n != 1 {
		t.Fatalf("del called %d times", n)
	}
}

// 已重定向的流, 后续包只有 tcp syn 能推进 syn 计数
func TestRedirectedFollowUps(t *testing.T) {
	synFlag := []byte{0, 0, 0, 0, 0, 0x02, 0, 0, 0, 0}

	for _, tc := range []struct {
		name  string
		first func(t *testing.T) *netLayer.Packet
		next  func(t *testing.T) *netLayer.Packet
		dels  int
	}{
		{"tcp syn",
			func(t *testing.T) *netLayer.Packet { return tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil) },
			func(t *testing.T) *netLayer.Packet { return tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil) },
			1},
		{"tcp ack",
			func(t *testing.T) *netLayer.Packet { return tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil) },
			func(t *testing.T) *netLayer.Packet {
				return tcpPacket(t, clientAP, targetAP, tcpFlags{ack: true}, []byte("data"))
			},
			0},
		{"udp short",
			func(t *testing.T) *netLayer.Packet { return udpPacket(t, clientAP, targetAP, []byte("x")) },
			func(t *testing.T) *netLayer.Packet { return udpPacket(t, clientAP, targetAP, []byte("x")) },
			0},
		{"udp empty",
			func(t *testing.T) *netLayer.Packet { return udpPacket(t, clientAP, targetAP, []byte("x")) },
			func(t *testing.T) *netLayer.Packet { return udpPacket(t, clientAP, targetAP, nil) },
			0},
		{"udp flag-like payload",
			func(t *testing.T) *netLayer.Packet { return udpPacket(t, clientAP, targetAP, synFlag) },
			func(t *testing.T) *netLayer.Packet { return udpPacket(t, clientAP, targetAP, synFlag) },
			0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, EncodeModeTCP, relayAP+"-o")
			target := netip.MustParseAddrPort(targetAP).Addr()
			f.policy.Add(netLayer.SetRedirect, target)
			f.policy.Add(netLayer.SetUDPRedirect, target)

			first := tc.first(t)
			if v := f.e.Ingress(first); v != AcceptModified {
				t.Fatalf("first packet %v", v)
			}
			if !f.conn(t, first).Status.IsRedirected() {
				t.Fatal("flow not redirected")
			}

			for i := 0; i < 4; i++ {
				p := tc.next(t)
				if v := f.e.Ingress(p); v != AcceptModified {
					t.Fatalf("packet %d verdict %v", i, v)
				}
				if p.DstAddrPort() != netip.MustParseAddrPort(relayAP) {
					t.Fatalf("packet %d dst %v", i, p.DstAddrPort())
				}
			}

			var n int
			for _, d := range f.policy.dels {
				n += d
			}
			if n != tc.dels {
				t.Fatalf("policy deletions %d, want %d (%v)", n, tc.dels, f.policy.dels)
			}
			if tc.dels == 0 && !f.policy.Test(netLayer.SetRedirect, target) {
				t.Fatal("target dropped from redirect set")
			}
		})
	}
}

func TestNoRelayBypass(t *testing.T) {
	f := newFixture(t, EncodeModeTCP)
	f.policy.Add(netLayer.SetRedirect, netip.MustParseAddrPort(targetAP).Addr())

	syn := tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil)
	orig := append([]byte(nil), syn.Data...)
	if v := f.e.Ingress(syn); v != Accept {
		t.Fatalf("verdict %v", v)
	}
	if v := f.e.Egress(syn); v != Accept {
		t.Fatalf("egress verdict %v", v)
	}
	if string(orig) != string(syn.Data) {
		t.Fatal("bypassed packet modified")
	}
	c := f.conn(t, syn)
	if !c.Status.IsBypass() || c.Status.Race() != flow.RaceSkipped {
		t.Fatalf("status %v", &c.Status)
	}
}

func TestRaceThroughEngine(t *testing.T) {
	f := newFixture(t, EncodeModeTCP, relayAP+"-o")

	syn := tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil)
	if v := f.e.Ingress(syn); v != Accept {
		t.Fatalf("ingress %v", v)
	}
	if v := f.e.Egress(syn); v != Accept {
		t.Fatalf("egress %v", v)
	}
	if len(f.out.pkts) != 1 {
		t.Fatalf("want one shadow packet, got %d", len(f.out.pkts))
	}
	sp := f.out.pkts[0]
	checkWire(t, sp)
	if sp.DstAddrPort() != netip.MustParseAddrPort(relayAP) {
		t.Fatalf("shadow dst %v", sp.DstAddrPort())
	}
	if off, _ := codec.FindTCPOption(sp); off < 0 {
		t.Fatal("shadow not encoded")
	}
	if f.e.Stats().TxBytes != uint64(sp.Len()) {
		t.Fatal("shadow bytes not counted")
	}

	// 影子先回复
	sa := tcpPacket(t, relayAP, clientAP, tcpFlags{syn: true, ack: true}, nil)
	if v := f.e.Ingress(sa); v != AcceptModified {
		t.Fatalf("shadow reply %v", v)
	}
	if sa.SrcAddrPort() != netip.MustParseAddrPort(targetAP) {
		t.Fatalf("shadow reply src %v", sa.SrcAddrPort())
	}
	orig := f.conn(t, syn)
	if orig.Status.Race() != flow.RaceLost {
		t.Fatalf("race %v", orig.Status.Race())
	}
	if !f.policy.Test(netLayer.SetRedirect, netip.MustParseAddrPort(targetAP).Addr()) {
		t.Fatal("target not voted into redirect")
	}

	// 直连之后的回复被丢弃, 原始流的包被复制到影子上
	direct := tcpPacket(t, targetAP, clientAP, tcpFlags{syn: true, ack: true}, nil)
	if v := f.e.Ingress(direct); v != Drop {
		t.Fatalf("late direct reply %v", v)
	}
	ack := tcpPacket(t, clientAP, targetAP, tcpFlags{ack: true}, []byte("GET /"))
	f.e.Ingress(ack)
	if v := f.e.Egress(ack); v != Drop {
		t.Fatalf("original after loss %v", v)
	}
	if len(f.out.pkts) != 2 || f.out.pkts[1].DstAddrPort() != netip.MustParseAddrPort(relayAP) {
		t.Fatal("original not duplicated onto shadow")
	}
}

func TestUDPFallbackTCP(t *testing.T) {
	f := newFixture(t, EncodeModeUDP, relayAP+"-o")
	f.policy.Add(netLayer.SetRedirect, netip.MustParseAddrPort(targetAP).Addr())

	syn := tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil, mssOpt(1460))
	f.e.Ingress(syn)
	if v := f.e.Egress(syn); v != Stolen {
		t.Fatalf("fallback egress %v", v)
	}
	if len(f.out.pkts) != 1 {
		t.Fatalf("emitted %d", len(f.out.pkts))
	}
	w := f.out.pkts[0]
	checkWire(t, w)
	if !codec.IsUDPFallback(w) {
		t.Fatal("not a udp fallback packet")
	}
	if f.e.Stats().TxBytes != uint64(w.Len()) {
		t.Fatal("tx must count wire size")
	}

	// 中继以 fallback 回复 syn-ack
	sa := tcpPacket(t, relayAP, clientAP, tcpFlags{syn: true, ack: true}, nil, mssOpt(1460))
	if err := codec.EncodeUDPFallback(sa); err != nil {
		t.Fatal(err)
	}
	if v := f.e.Ingress(sa); v != AcceptModified {
		t.Fatalf("fallback reply ingress %v", v)
	}
	if sa.Protocol() != netLayer.ProtoTCP {
		t.Fatal("fallback not stripped")
	}
	if v := f.e.Egress(sa); v != AcceptModified {
		t.Fatalf("reply forward %v", v)
	}
	if sa.MSS() != 1452 {
		t.Fatalf("reply mss %d", sa.MSS())
	}
	if sa.SrcAddrPort() != netip.MustParseAddrPort(targetAP) {
		t.Fatal("reply src not restored")
	}
	checkWire(t, sa)
}

func TestUDPAddrHeaderAndAck(t *testing.T) {
	const (
		udpClient = "192.168.1.2:5000"
		udpTarget = "9.9.9.9:5300"
		udpRelay  = "2.2.2.2:2000"
	)
	f := newFixture(t, EncodeModeTCP, udpRelay+"-o")
	f.policy.Add(netLayer.SetUDPRedirect, netip.MustParseAddrPort(udpTarget).Addr())

	p := udpPacket(t, udpClient, udpTarget, []byte("hello"))
	f.e.Ingress(p)
	if v := f.e.Egress(p); v != AcceptModified {
		t.Fatalf("udp egress %v", v)
	}
	checkWire(t, p)
	if f.e.Stats().TxBytes != uint64(p.Len()) {
		t.Fatal("udp tx must count the encoded datagram")
	}
	if p.DstAddrPort() != netip.MustParseAddrPort(udpRelay) {
		t.Fatal("udp dst not rewritten")
	}
	dst, flag, found := codec.DecodeUDPAddr(p.Clone())
	if !found || flag != codec.AddrFlagInline || dst != netip.MustParseAddrPort(udpTarget) {
		t.Fatalf("addr header: %v %d %v", dst, flag, found)
	}

	ack := codec.BuildProbe(netip.MustParseAddrPort(udpRelay), netip.MustParseAddrPort(udpClient))
	if v := f.e.Ingress(ack); v != Stolen {
		t.Fatalf("ack probe %v", v)
	}
	c := f.conn(t, ack)
	if !c.Status.Test(flow.FlagRelayAck) {
		t.Fatal("relay ack not recorded")
	}

	p2 := udpPacket(t, udpClient, udpTarget, []byte("again"))
	f.e.Ingress(p2)
	f.e.Egress(p2)
	if string(p2.UDPPayload()) != "again" {
		t.Fatal("addr header added after relay ack")
	}
}

func TestUDPLargeProbe(t *testing.T) {
	const udpTarget = "9.9.9.9:5300"
	f := newFixture(t, EncodeModeTCP, "2.2.2.2:2000-o")
	f.policy.Add(netLayer.SetUDPRedirect, netip.MustParseAddrPort(udpTarget).Addr())

	payload := make([]byte, 1400)
	p := udpPacket(t, "192.168.1.2:5001", udpTarget, payload)
	f.e.Ingress(p)
	f.e.Egress(p)
	if len(p.UDPPayload()) != len(payload) {
		t.Fatal("large datagram must go unmodified")
	}
	if len(f.out.pkts) != 1 {
		t.Fatalf("probe count %d", len(f.out.pkts))
	}
	probe := f.out.pkts[0]
	checkWire(t, probe)
	dst, flag, found := codec.DecodeUDPAddr(probe)
	if !found || flag != codec.AddrFlagProbe || dst != netip.MustParseAddrPort(udpTarget) {
		t.Fatal("bad probe")
	}
}

func TestDecodeFailure(t *testing.T) {
	f := newFixture(t, EncodeModeTCP, relayAP+"-o")
	f.policy.Add(netLayer.SetRedirect, netip.MustParseAddrPort(targetAP).Addr())

	syn := tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil)
	f.e.Ingress(syn)
	f.e.Egress(syn)

	bad := tcpPacket(t, relayAP, clientAP, tcpFlags{syn: true, ack: true}, nil,
		layers.TCPOption{OptionType: layers.TCPOptionKind(codec.OptKind), OptionLength: 6, OptionData: []byte{1, 0, 0, 0}})
	if v := f.e.Ingress(bad); v != Drop {
		t.Fatalf("bad option verdict %v", v)
	}
	c := f.conn(t, syn)
	if !c.Status.Test(flow.FlagCodecErr) {
		t.Fatal("codec failure not recorded")
	}

	data := tcpPacket(t, clientAP, targetAP, tcpFlags{ack: true}, []byte("x"))
	f.e.Ingress(data)
	f.e.Egress(data)
	if off, _ := codec.FindTCPOption(data); off >= 0 {
		t.Fatal("flow still encoded after failure")
	}
}

func TestDisabled(t *testing.T) {
	f := newFixture(t, EncodeModeTCP, relayAP+"-o")
	f.policy.Add(netLayer.SetRedirect, netip.MustParseAddrPort(targetAP).Addr())
	f.e.SetEnabled(false)

	syn := tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil)
	orig := append([]byte(nil), syn.Data...)
	if f.e.Ingress(syn) != Accept || f.e.Egress(syn) != Accept {
		t.Fatal("disabled engine must accept")
	}
	if string(orig) != string(syn.Data) || f.table.Len() != 0 {
		t.Fatal("disabled engine touched the packet")
	}
	f.e.SetEnabled(true)
	if !f.e.Enabled() {
		t.Fatal("enable switch")
	}
}

func TestConcurrentFirstPackets(t *testing.T) {
	f := newFixture(t, EncodeModeTCP, relayAP+"-o")
	f.policy.Add(netLayer.SetRedirect, netip.MustParseAddrPort(targetAP).Addr())

	// 先确认流, 再让多个 syn 同时经过 dnat
	first := tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil)
	c, _ := f.table.Create(first)
	f.table.Confirm(c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.e.Ingress(tcpPacket(t, clientAP, targetAP, tcpFlags{syn: true}, nil))
		}()
	}
	wg.Wait()
	if !c.Status.IsRedirected() {
		t.Fatalf("status %v", &c.Status)
	}
	if to, ok := c.DNAT(); !ok || to != netip.MustParseAddrPort(relayAP) {
		t.Fatal("dnat not set")
	}
}
