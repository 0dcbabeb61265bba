package machine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/pipeline"
	"github.com/e1732a364fed/natcap_simple/relay"
	"github.com/e1732a364fed/natcap_simple/utils"
)

const testConf = `
[app]
loglevel = 0
disabled = true
encode_mode = "udp"
server_persist_timeout = 30
rst_vote_ports = [80, 8080]
flow_idle_timeout = 60

[api]
enable = true
admin_pass = "secret"

[nfqueue]
queue = 7
install_iptables = false

[[relay]]
addr = "1.2.3.4:0-e"

[[relay]]
addr = "5.6.7.8:443"

[policy]
redirect = ["8.8.8.0/24"]
known_good = ["114.114.114.114"]
`

func loadTestMachine(t *testing.T, conf string) *M {
	t.Helper()
	m := New()
	if err := m.LoadConfigByTomlBytes([]byte(conf)); err != nil {
		t.Fatal(err)
	}
	if err := m.Setup(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestLoadConfig(t *testing.T) {
	m := loadTestMachine(t, testConf)

	if m.Engine.Enabled() {
		t.Fatal("disabled = true ignored")
	}
	if m.Pool.Len() != 2 {
		t.Fatalf("relay count %d", m.Pool.Len())
	}
	if m.Pool.PersistInterval() != 30*time.Second {
		t.Fatal("server_persist_timeout ignored")
	}
	if m.Table.IdleTimeout != time.Minute {
		t.Fatal("flow_idle_timeout ignored")
	}
	if !m.Engine.Race.UDPFallback {
		t.Fatal("encode_mode udp ignored")
	}
	if len(m.Engine.Race.RSTVotePorts) != 2 {
		t.Fatal("rst_vote_ports ignored")
	}
	if m.Addr != DefaultApiAddr || m.PathPrefix != DefaultApiPrefix || m.AdminPass != "secret" {
		t.Fatalf("api conf %+v", m.ApiServerConf)
	}
	if !m.Policy.Test(netLayer.SetRedirect, netip.MustParseAddr("8.8.8.99")) {
		t.Fatal("redirect network not loaded")
	}
	if !m.Policy.Test(netLayer.SetKnownGood, netip.MustParseAddr("114.114.114.114")) {
		t.Fatal("known_good not loaded")
	}

	cc, err := m.conf.NfqueueConf.captureConfig()
	if err != nil || cc.QueueNum != 7 || cc.InstallRules {
		t.Fatalf("nfqueue conf %+v %v", cc, err)
	}
	if c, _ := (*NfqueueConf)(nil).captureConfig(); !c.InstallRules {
		t.Fatal("rules should be installed by default")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for _, c := range []string{
		"[app]\nencode_mode = \"ws\"",
		"[app]\nrst_vote_ports = [70000]",
		"[app]\nserver_persist_timeout = -1",
	} {
		m := New()
		if err := m.LoadConfigByTomlBytes([]byte(c)); err != nil {
			t.Fatal(err)
		}
		if err := m.Setup(); !errors.Is(err, utils.ErrInvalidData) {
			t.Errorf("%q: want ErrInvalidData, got %v", c, err)
		}
	}

	if err := New().LoadConfigByTomlBytes([]byte("[app\n")); err == nil {
		t.Fatal("broken toml accepted")
	}

	m := New()
	m.LoadConfigByTomlBytes([]byte("[[relay]]\naddr = \"not an addr\"\n[[relay]]\naddr = \"9.9.9.9:53\""))
	if err := m.Setup(); err == nil {
		t.Fatal("bad relay should be reported")
	}
	if m.Pool.Len() != 1 {
		t.Fatal("good relay should still be loaded")
	}
	if m.Engine.Hooks()[0].Point != pipeline.PreRouting {
		t.Fatal("engine not set up")
	}
}

func TestRelayAdmin(t *testing.T) {
	m := New()

	var updated int
	m.AddUpdatedCallback(func() { updated++ })

	for _, bad := range []string{"", "1.2.3.4", "example.com:80", "1.2.3.4:x", "1.2.3.4:70000", "::1:80", "1.2.3.4:80-z"} {
		if err := m.AddRelay(bad); !errors.Is(err, utils.ErrInvalidData) {
			t.Errorf("%q: want ErrInvalidData, got %v", bad, err)
		}
	}

	if err := m.AddRelay("1.2.3.4:65535-e"); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRelay("1.2.3.4:65535"); !errors.Is(err, relay.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if err := m.RemoveRelay("9.9.9.9:1"); !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	list := m.ListRelays()
	if len(list) != 1 || !list[0].Encrypt || list[0].Port != relay.PortRandom {
		t.Fatalf("list %v", list)
	}
	if err := m.RemoveRelay("1.2.3.4:65535-o"); err != nil {
		t.Fatal(err)
	}
	m.AddRelay("1.2.3.4:1")
	m.CleanRelays()
	if m.Pool.Len() != 0 {
		t.Fatal("clean failed")
	}
	if updated != 4 {
		t.Fatalf("updated callback called %d times", updated)
	}
}

func TestPolicyAdmin(t *testing.T) {
	m := New()
	a := netip.MustParseAddr("10.0.0.5")

	if err := m.AddPolicy("nosuch", "10.0.0.5"); !errors.Is(err, utils.ErrInvalidData) {
		t.Fatal("unknown set accepted")
	}
	if err := m.AddPolicy(netLayer.SetUDPRedirect, "10.0.0.0/300"); !errors.Is(err, utils.ErrInvalidData) {
		t.Fatal("bad cidr accepted")
	}
	if err := m.AddPolicy(netLayer.SetUDPRedirect, "10.0.0.5"); err != nil {
		t.Fatal(err)
	}
	if !m.Policy.Test(netLayer.SetUDPRedirect, a) {
		t.Fatal("not added")
	}
	if err := m.DelPolicy(netLayer.SetUDPRedirect, "10.0.0.5"); err != nil {
		t.Fatal(err)
	}
	if m.Policy.Test(netLayer.SetUDPRedirect, a) {
		t.Fatal("not deleted")
	}

	m.AddPolicy(netLayer.SetRedirect, "10.0.0.0/8")
	if err := m.DelPolicy(netLayer.SetRedirect, "10.0.0.0/8"); err != nil {
		t.Fatal(err)
	}
	if m.Policy.Test(netLayer.SetRedirect, a) {
		t.Fatal("network not deleted")
	}
	if err := m.DelPolicy(netLayer.SetRedirect, "nonsense"); err == nil {
		t.Fatal("bad ip accepted")
	}
}

func TestInvalidCountry(t *testing.T) {
	m := New()
	m.LoadConfigByTomlBytes([]byte("[policy]\nknown_good_countries = [\"Q1\"]\ngeoip = \"no-such-file.mmdb\""))
	if err := m.Setup(); !errors.Is(err, utils.ErrInvalidData) {
		t.Fatalf("want ErrInvalidData, got %v", err)
	}
}

func TestStartWithoutSetup(t *testing.T) {
	m := New()
	if err := m.Start(context.Background()); !errors.Is(err, utils.ErrNilParameter) {
		t.Fatalf("got %v", err)
	}
	if m.IsRunning() {
		t.Fatal("should not be running")
	}
	m.Stop()
}

func TestOutputNotRunning(t *testing.T) {
	m := New()
	if err := m.output(&netLayer.Packet{}); !errors.Is(err, utils.ErrUnImplemented) {
		t.Fatalf("got %v", err)
	}
}

func doReq(t *testing.T, h http.Handler, path string, pass string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if pass != "" {
		r.SetBasicAuth("admin", pass)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestApiServer(t *testing.T) {
	m := loadTestMachine(t, testConf)
	h := m.apiMux()

	if w := doReq(t, h, "/api/relays", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no auth got %d", w.Code)
	}
	if w := doReq(t, h, "/api/relays", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong pass got %d", w.Code)
	}

	w := doReq(t, h, "/api/relays", "secret")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "5.6.7.8:443") {
		t.Fatalf("relays %d %q", w.Code, w.Body.String())
	}

	if w := doReq(t, h, "/api/relay/add?s=9.9.9.9:53-e", "secret"); w.Code != http.StatusOK {
		t.Fatalf("add %d %s", w.Code, w.Body.String())
	}
	if w := doReq(t, h, "/api/relay/add?s=9.9.9.9:53", "secret"); w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate add got %d", w.Code)
	}
	if w := doReq(t, h, "/api/relay/remove?s=1.1.1.1:1", "secret"); w.Code != http.StatusBadRequest {
		t.Fatalf("remove missing got %d", w.Code)
	}
	if w := doReq(t, h, "/api/relay/remove?s=9.9.9.9:53", "secret"); w.Code != http.StatusOK {
		t.Fatalf("remove got %d", w.Code)
	}

	if w := doReq(t, h, "/api/policy/add?set=redirect&ip=4.4.4.4", "secret"); w.Code != http.StatusOK {
		t.Fatalf("policy add got %d", w.Code)
	}
	if !m.Policy.Test(netLayer.SetRedirect, netip.MustParseAddr("4.4.4.4")) {
		t.Fatal("policy add not applied")
	}
	if w := doReq(t, h, "/api/policy/del?set=redirect&ip=4.4.4.4", "secret"); w.Code != http.StatusOK {
		t.Fatalf("policy del got %d", w.Code)
	}
	if w := doReq(t, h, "/api/policy/add?set=bad&ip=4.4.4.4", "secret"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad set got %d", w.Code)
	}

	if w := doReq(t, h, "/api/enable?on=maybe", "secret"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad enable got %d", w.Code)
	}
	if w := doReq(t, h, "/api/enable?on=1", "secret"); w.Code != http.StatusOK || !m.Engine.Enabled() {
		t.Fatal("enable failed")
	}

	w = doReq(t, h, "/api/stats", "secret")
	var st State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Enabled || st.Running || st.Relays != 2 {
		t.Fatalf("stats %+v", st)
	}

	w = doReq(t, h, "/api/allstate", "secret")
	if !strings.Contains(w.Body.String(), "relay 0") {
		t.Fatalf("allstate %q", w.Body.String())
	}
}

func TestApiNoPass(t *testing.T) {
	m := New()
	m.Setup()
	if w := doReq(t, m.apiMux(), "/api/stats", ""); w.Code != http.StatusOK {
		t.Fatalf("no pass configured, got %d", w.Code)
	}
}

func TestRandomCert(t *testing.T) {
	certs, err := generateRandomTLSCert()
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) != 1 || len(certs[0].Certificate) == 0 {
		t.Fatal("no cert")
	}
}
