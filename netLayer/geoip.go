package netLayer

import (
	"net"
	"os"
	"strings"

	"github.com/biter777/countries"
	"github.com/e1732a364fed/natcap_simple/utils"
	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var the_geoipdb atomic.Pointer[maxminddb.Reader]

// 默认 geoip 文件名, 可被配置覆盖
var GeoipFileName = "GeoLite2-Country.mmdb"

func LoadMaxmindGeoipBytes(bs []byte) error {
	db, err := maxminddb.FromBytes(bs)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "LoadMaxmindGeoipBytes failed", ErrDetail: err}
	}
	the_geoipdb.Store(db)
	return nil
}

// 将一个外部的文件加载为我们默认的 geoip文件;若fn==""，则会自动使用 GeoipFileName 的值
func LoadMaxmindGeoipFile(fn string) error {
	if fn == "" {
		fn = GeoipFileName
	}
	if fn == "" {
		return utils.ErrNilParameter
	}
	if p := utils.GetFilePath(fn); p != "" {
		fn = p
	}
	bs, e := os.ReadFile(fn)
	if e != nil {
		return utils.ErrInErr{ErrDesc: "LoadMaxmindGeoipFile read failed", ErrDetail: e, Data: fn}
	}
	return LoadMaxmindGeoipBytes(bs)
}

func HasGeoip() bool { return the_geoipdb.Load() != nil }

// 使用默认的 geoip文件，会调用 GetIP_ISO_byReader. 未加载时返回 "".
func GetIP_ISO(ip net.IP) string {
	db := the_geoipdb.Load()
	if db == nil {
		return ""
	}
	return GetIP_ISO_byReader(db, ip)
}

// 返回 iso 3166 字符串，大写，两字节
func GetIP_ISO_byReader(db *maxminddb.Reader, ip net.IP) string {

	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}

	err := db.Lookup(ip, &record)
	if err != nil {
		if ce := utils.CanLogErr("GetIP_ISO_byReader db.Lookup err"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return ""
	}
	return record.Country.ISOCode
}

// IsValidCountryCode 检查 iso 是否是一个合法的 ISO 3166 两字母国家代码.
func IsValidCountryCode(iso string) bool {
	if len(iso) != 2 {
		return false
	}
	return countries.ByName(strings.ToUpper(iso)) != countries.Unknown
}
