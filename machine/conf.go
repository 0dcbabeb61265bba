package machine

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/e1732a364fed/natcap_simple/netLayer/nfqueue"
	"github.com/e1732a364fed/natcap_simple/pipeline"
	"github.com/e1732a364fed/natcap_simple/utils"
)

const DefaultConfFn = "natcap.toml"

// NatcapConf 是标准 toml 配置文件的格式, 由 app, api, nfqueue, relay, policy 5 部分组成
type NatcapConf struct {
	AppConf       *AppConf       `toml:"app"`
	ApiServerConf *ApiServerConf `toml:"api"`
	NfqueueConf   *NfqueueConf   `toml:"nfqueue"`
	Relays        []RelayConf    `toml:"relay"`
	Policy        *PolicyConf    `toml:"policy"`
}

// AppConf 配置App级别的配置
type AppConf struct {
	LogLevel *int    `toml:"loglevel"` //需要为指针, 否则无法判断0到底是未给出的默认值还是 显式声明的0
	LogFile  *string `toml:"logfile"`

	Disabled   bool   `toml:"disabled"`
	EncodeMode string `toml:"encode_mode"`

	ServerPersistTimeout int   `toml:"server_persist_timeout"` //秒
	RSTVotePorts         []int `toml:"rst_vote_ports"`

	FlowIdleTimeout *int `toml:"flow_idle_timeout"` //秒
}

type NfqueueConf struct {
	Queue           int    `toml:"queue"`
	QueueLen        int    `toml:"queue_len"`
	Mark            uint32 `toml:"mark"`
	InstallIptables *bool  `toml:"install_iptables"` //不给出时为 true
}

type RelayConf struct {
	Addr string `toml:"addr"` //"1.2.3.4:443-e"
}

type PolicyConf struct {
	Redirect           []string `toml:"redirect"`
	UDPRedirect        []string `toml:"udp_redirect"`
	KnownGood          []string `toml:"known_good"`
	KnownGoodCountries []string `toml:"known_good_countries"`
	Geoip              string   `toml:"geoip"`
}

// Setup 把日志相关的配置写入 utils; 命令行已给出的参数优先.
func (ac *AppConf) Setup() {
	if ac == nil {
		return
	}

	if ac.LogFile != nil && utils.GivenFlags["lf"] == nil {
		utils.LogOutFileName = *ac.LogFile
	}

	if ac.LogLevel != nil && utils.GivenFlags["ll"] == nil {
		utils.LogLevel = *ac.LogLevel
	}
}

func (ac *AppConf) engineConfig() (cfg pipeline.Config, err error) {
	cfg.EncodeMode = pipeline.EncodeModeTCP
	if ac == nil {
		return
	}
	switch ac.EncodeMode {
	case "", pipeline.EncodeModeTCP:
	case pipeline.EncodeModeUDP:
		cfg.EncodeMode = pipeline.EncodeModeUDP
	default:
		return cfg, utils.ErrInErr{ErrDesc: "unknown encode_mode", ErrDetail: utils.ErrInvalidData, Data: ac.EncodeMode}
	}
	if ac.ServerPersistTimeout < 0 {
		return cfg, utils.ErrInErr{ErrDesc: "negative server_persist_timeout", ErrDetail: utils.ErrInvalidData, Data: ac.ServerPersistTimeout}
	}
	cfg.ServerPersist = time.Duration(ac.ServerPersistTimeout) * time.Second

	for _, p := range ac.RSTVotePorts {
		if !validPort(p) {
			return cfg, utils.ErrInErr{ErrDesc: "bad rst_vote_ports", ErrDetail: utils.ErrInvalidData, Data: p}
		}
		cfg.RSTVotePorts = append(cfg.RSTVotePorts, uint16(p))
	}
	return
}

func (nc *NfqueueConf) captureConfig() (cfg nfqueue.Config, err error) {
	cfg.InstallRules = true
	if nc == nil {
		return
	}
	if nc.Queue < 0 || nc.Queue > 65535 {
		return cfg, utils.ErrInErr{ErrDesc: "bad nfqueue queue", ErrDetail: utils.ErrInvalidData, Data: nc.Queue}
	}
	if nc.QueueLen < 0 {
		return cfg, utils.ErrInErr{ErrDesc: "bad nfqueue queue_len", ErrDetail: utils.ErrInvalidData, Data: nc.QueueLen}
	}
	cfg.QueueNum = uint16(nc.Queue)
	cfg.QueueLen = uint32(nc.QueueLen)
	cfg.Mark = nc.Mark
	if nc.InstallIptables != nil {
		cfg.InstallRules = *nc.InstallIptables
	}
	return
}

func LoadNatcapConfFromBs(bs []byte) (conf NatcapConf, err error) {
	err = toml.Unmarshal(bs, &conf)
	return
}

// LoadConfigByTomlBytes 只解析并保存配置, 真正生效要调用 Setup.
func (m *M) LoadConfigByTomlBytes(bs []byte) error {
	conf, err := LoadNatcapConfFromBs(bs)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "can not load toml config", ErrDetail: err}
	}
	m.conf = conf

	if conf.AppConf != nil {
		conf.AppConf.Setup()
	}
	if conf.ApiServerConf != nil {
		m.ApiServerConf = *conf.ApiServerConf
		m.ApiServerConf.setDefaults()
	}
	return nil
}

// LoadConfig 查找并读取 toml 文件, 见 utils.GetFilePath
func (m *M) LoadConfig(configFileName string) error {
	fpath := utils.GetFilePath(configFileName)
	if fpath == "" {
		return utils.ErrInErr{ErrDesc: "config file not found", ErrDetail: os.ErrNotExist, Data: configFileName}
	}
	if filepath.Ext(fpath) != ".toml" {
		return errors.New("file passed in but no .toml suffix")
	}
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "read config file failed", ErrDetail: err, Data: fpath}
	}
	return m.LoadConfigByTomlBytes(bs)
}
