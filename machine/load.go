package machine

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/relay"
	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/zap"
)

func validPort(p int) bool { return p >= 0 && p <= 65535 }

// ValidateRelayStr 检查 "ip:port" 或 "ip:port-e" / "ip:port-o" 格式, 端口允许 0 (沿用目标端口) 与 65535 (随机).
func ValidateRelayStr(str string) error {
	str = strings.TrimSpace(str)
	addr := str
	if i := strings.LastIndexByte(str, '-'); i > 0 {
		addr = str[:i]
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "relay address format wrong", ErrDetail: utils.ErrInvalidData, Data: str}
	}
	if !govalidator.IsIPv4(host) {
		return utils.ErrInErr{ErrDesc: "relay address is not ipv4", ErrDetail: utils.ErrInvalidData, Data: host}
	}
	if !govalidator.IsInt(port) {
		return utils.ErrInErr{ErrDesc: "relay port is not a number", ErrDetail: utils.ErrInvalidData, Data: port}
	}
	if n, _ := strconv.Atoi(port); !validPort(n) {
		return utils.ErrInErr{ErrDesc: "relay port out of range", ErrDetail: utils.ErrInvalidData, Data: port}
	}
	return nil
}

func parseRelay(str string) (relay.Server, error) {
	if err := ValidateRelayStr(str); err != nil {
		return relay.Server{}, err
	}
	s, err := relay.ParseServer(str)
	if err != nil {
		return s, utils.ErrInErr{ErrDesc: "parse relay failed", ErrDetail: utils.ErrInvalidData, Data: err.Error()}
	}
	return s, nil
}

// AddRelay 解析并加入中继池. 返回的错误可以用 errors.Is 与 relay.ErrDuplicate, relay.ErrFull, utils.ErrInvalidData 比较.
func (m *M) AddRelay(str string) error {
	s, err := parseRelay(str)
	if err != nil {
		return err
	}
	if err = m.Pool.Add(s); err != nil {
		return utils.ErrInErr{ErrDesc: "add relay failed", ErrDetail: err, Data: s.String()}
	}
	if ce := utils.CanLogInfo("relay added"); ce != nil {
		ce.Write(zap.String("relay", s.String()), zap.Int("count", m.Pool.Len()))
	}
	m.callUpdatedCallback()
	return nil
}

// RemoveRelay 按 ip:port 删除, 后缀被忽略.
func (m *M) RemoveRelay(str string) error {
	s, err := parseRelay(str)
	if err != nil {
		return err
	}
	if err = m.Pool.Remove(s); err != nil {
		return utils.ErrInErr{ErrDesc: "remove relay failed", ErrDetail: err, Data: s.String()}
	}
	if ce := utils.CanLogInfo("relay removed"); ce != nil {
		ce.Write(zap.String("relay", s.String()), zap.Int("count", m.Pool.Len()))
	}
	m.callUpdatedCallback()
	return nil
}

func (m *M) ListRelays() []relay.Server { return m.Pool.List() }

func (m *M) CleanRelays() {
	m.Pool.Cleanup()
	utils.Info("relay pool cleaned")
	m.callUpdatedCallback()
}

func knownSet(name string) bool {
	switch name {
	case netLayer.SetRedirect, netLayer.SetUDPRedirect, netLayer.SetKnownGood:
		return true
	}
	return false
}

// AddPolicy 向集合 set 加入一个 ip 或网段.
func (m *M) AddPolicy(set, cidr string) error {
	if !knownSet(set) {
		return utils.ErrInErr{ErrDesc: "unknown policy set", ErrDetail: utils.ErrInvalidData, Data: set}
	}
	if err := m.Policy.Ensure(set).AddCIDR(cidr); err != nil {
		return utils.ErrInErr{ErrDesc: "add policy failed", ErrDetail: utils.ErrInvalidData, Data: err.Error()}
	}
	m.callUpdatedCallback()
	return nil
}

// DelPolicy 从集合 set 删除一个 ip 或网段.
func (m *M) DelPolicy(set, cidr string) error {
	if !knownSet(set) {
		return utils.ErrInErr{ErrDesc: "unknown policy set", ErrDetail: utils.ErrInvalidData, Data: set}
	}
	cidr = strings.TrimSpace(cidr)
	if strings.Contains(cidr, "/") {
		if err := m.Policy.Ensure(set).RemoveCIDR(cidr); err != nil {
			return utils.ErrInErr{ErrDesc: "del policy failed", ErrDetail: utils.ErrInvalidData, Data: err.Error()}
		}
	} else {
		a, err := netip.ParseAddr(cidr)
		if err != nil {
			return utils.ErrInErr{ErrDesc: "del policy failed", ErrDetail: utils.ErrInvalidData, Data: cidr}
		}
		m.Policy.Del(set, a)
	}
	m.callUpdatedCallback()
	return nil
}

func (m *M) loadPolicy(pc *PolicyConf) (err error) {
	if pc == nil {
		return nil
	}
	for set, list := range map[string][]string{
		netLayer.SetRedirect:    pc.Redirect,
		netLayer.SetUDPRedirect: pc.UDPRedirect,
		netLayer.SetKnownGood:   pc.KnownGood,
	} {
		for _, str := range list {
			if e := m.AddPolicy(set, str); e != nil {
				if ce := utils.CanLogErr("load policy failed"); ce != nil {
					ce.Write(zap.String("set", set), zap.Error(e))
				}
				err = e
			}
		}
	}

	if len(pc.KnownGoodCountries) == 0 {
		return
	}
	if e := netLayer.LoadMaxmindGeoipFile(pc.Geoip); e != nil {
		if ce := utils.CanLogWarn("geoip not loaded, known_good_countries won't match"); ce != nil {
			ce.Write(zap.Error(e))
		}
	}
	kg := m.Policy.Ensure(netLayer.SetKnownGood)
	for _, iso := range pc.KnownGoodCountries {
		if !netLayer.IsValidCountryCode(iso) {
			err = utils.ErrInErr{ErrDesc: "invalid country code", ErrDetail: utils.ErrInvalidData, Data: iso}
			utils.Error(err.Error())
			continue
		}
		kg.AddCountry(iso)
	}
	return
}
