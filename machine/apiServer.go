package machine

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"flag"
	"net/http"
	"strings"
	"time"

	"github.com/e1732a364fed/natcap_simple/utils"
	"go.uber.org/zap"
)

/*
curl -k https://127.0.0.1:48346/api/allstate
curl -k "https://127.0.0.1:48346/api/relay/add?s=1.2.3.4:0-e"
*/

const (
	DefaultApiAddr   = "127.0.0.1:48346"
	DefaultApiPrefix = "/api"
)

type ApiServerConf struct {
	EnableApiServer bool   `toml:"enable"`
	PlainHttp       bool   `toml:"plain"`
	KeyFile         string `toml:"key"`
	CertFile        string `toml:"cert"`
	PathPrefix      string `toml:"prefix"`
	AdminPass       string `toml:"admin_pass"`
	Addr            string `toml:"addr"`
}

func (asc *ApiServerConf) setDefaults() {
	if asc.Addr == "" {
		asc.Addr = DefaultApiAddr
	}
	if asc.PathPrefix == "" {
		asc.PathPrefix = DefaultApiPrefix
	}
}

func (asc *ApiServerConf) SetupFlags() {
	flag.BoolVar(&asc.EnableApiServer, "ea", false, "enable api server")

	flag.BoolVar(&asc.PlainHttp, "sunsafe", false, "if given, api Server will use http instead of https")

	flag.StringVar(&asc.PathPrefix, "spp", DefaultApiPrefix, "api Server Path Prefix, must start with '/' ")
	flag.StringVar(&asc.AdminPass, "sap", "", "api Server admin password, but won't be used if it's empty")
	flag.StringVar(&asc.Addr, "sa", DefaultApiAddr, "api Server listen address")
	flag.StringVar(&asc.CertFile, "scert", "", "api Server tls cert file path")
	flag.StringVar(&asc.KeyFile, "skey", "", "api Server tls cert key path")
}

// 非阻塞,如果运行成功则 apiServerRunning 会被设为 true
func (m *M) TryRunApiServer() {
	m.ApiServerRunning = true

	go m.runApiServer()
}

const eIllegalParameter = "illegal parameter"

func failBadRequest(e error, eInfo string, w http.ResponseWriter) {
	if ce := utils.CanLogWarn(eInfo); ce != nil {
		ce.Write(zap.Error(e))
	}
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(eInfo + ": " + e.Error()))
}

// apiMux 注册所有 handler, 路径为 PathPrefix + "/" + name
func (m *M) apiMux() *http.ServeMux {
	ser := newApiServer("admin", m.AdminPass)
	ser.PathPrefix = m.PathPrefix

	mux := http.NewServeMux()

	ser.addServerHandle(mux, "allstate", func(w http.ResponseWriter, r *http.Request) {
		m.PrintAllState(w)
	})

	ser.addServerHandle(mux, "stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.State())
	})

	ser.addServerHandle(mux, "relays", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(m.Pool.String()))
	})

	ser.addServerHandle(mux, "relay/add", func(w http.ResponseWriter, r *http.Request) {
		s := r.URL.Query().Get("s")
		if err := m.AddRelay(s); err != nil {
			failBadRequest(err, "api server add relay failed", w)
			return
		}
		w.Write([]byte("ok"))
	})

	ser.addServerHandle(mux, "relay/remove", func(w http.ResponseWriter, r *http.Request) {
		s := r.URL.Query().Get("s")
		if err := m.RemoveRelay(s); err != nil {
			failBadRequest(err, "api server remove relay failed", w)
			return
		}
		w.Write([]byte("ok"))
	})

	ser.addServerHandle(mux, "relay/clean", func(w http.ResponseWriter, r *http.Request) {
		m.CleanRelays()
		w.Write([]byte("ok"))
	})

	ser.addServerHandle(mux, "policy/add", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := m.AddPolicy(q.Get("set"), q.Get("ip")); err != nil {
			failBadRequest(err, "api server add policy failed", w)
			return
		}
		w.Write([]byte("ok"))
	})

	ser.addServerHandle(mux, "policy/del", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := m.DelPolicy(q.Get("set"), q.Get("ip")); err != nil {
			failBadRequest(err, "api server del policy failed", w)
			return
		}
		w.Write([]byte("ok"))
	})

	ser.addServerHandle(mux, "enable", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("on") {
		case "1", "true":
			m.SetEnabled(true)
		case "0", "false":
			m.SetEnabled(false)
		default:
			failBadRequest(utils.ErrInvalidData, eIllegalParameter, w)
			return
		}
		w.Write([]byte("ok"))
	})

	return mux
}

// 阻塞
func (m *M) runApiServer() {
	defer func() { m.ApiServerRunning = false }()

	var addrStr = m.Addr
	if m.PlainHttp {
		if !strings.HasPrefix(addrStr, "http://") {
			addrStr = "http://" + addrStr
		}
	} else {
		if !strings.HasPrefix(addrStr, "https://") {
			addrStr = "https://" + addrStr
		}
	}

	utils.Info("Start Api Server at " + addrStr)

	tlsConf := &tls.Config{}

	if !m.PlainHttp && (m.CertFile == "" || m.KeyFile == "") {
		utils.Warn("api server will use tls but key or cert file not provided, use random cert instead")
		certs, err := generateRandomTLSCert()
		if err != nil {
			if ce := utils.CanLogErr("api server generate cert failed"); ce != nil {
				ce.Write(zap.Error(err))
			}
			return
		}
		tlsConf.Certificates = certs
	}

	srv := &http.Server{
		Addr:         m.Addr,
		Handler:      m.apiMux(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		TLSConfig:    tlsConf,
	}

	var err error
	if m.PlainHttp {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(m.CertFile, m.KeyFile)
	}
	if ce := utils.CanLogErr("api server exited"); ce != nil {
		ce.Write(zap.Error(err))
	}
}

type auth struct {
	expectedUsernameHash [32]byte
	expectedPasswordHash [32]byte
}

type apiServer struct {
	admin_auth auth
	nopass     bool
	PathPrefix string
}

func newApiServer(user, pass string) *apiServer {
	s := new(apiServer)

	if pass != "" {
		s.admin_auth.expectedUsernameHash = sha256.Sum256([]byte(user))
		s.admin_auth.expectedPasswordHash = sha256.Sum256([]byte(pass))
	} else {
		s.nopass = true
	}
	return s
}

func (ser *apiServer) addServerHandle(mux *http.ServeMux, name string, f func(w http.ResponseWriter, r *http.Request)) {
	mux.HandleFunc(ser.PathPrefix+"/"+name, ser.basicAuth(f))
}

func (ser *apiServer) basicAuth(realfunc http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		doFunc := func() {
			if ce := utils.CanLogInfo("api server got new request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("requestURL", r.RequestURI),
				)
			}
			w.Header().Add("Access-Control-Allow-Origin", "*") //避免在网页请求本api时, 客户端遇到CSRF保护问题

			realfunc.ServeHTTP(w, r)
		}

		if ser.nopass {
			doFunc()
			return
		}

		thisun, thispass, ok := r.BasicAuth()
		if ok {
			usernameHash := sha256.Sum256([]byte(thisun))
			passwordHash := sha256.Sum256([]byte(thispass))

			usernameMatch := (subtle.ConstantTimeCompare(usernameHash[:], ser.admin_auth.expectedUsernameHash[:]) == 1)
			passwordMatch := (subtle.ConstantTimeCompare(passwordHash[:], ser.admin_auth.expectedPasswordHash[:]) == 1)

			if usernameMatch && passwordMatch {
				doFunc()
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
