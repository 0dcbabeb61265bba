package machine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/biter777/countries"
)

// 使用 ecc p256 方式生成自签名证书, 仅供 api server 使用 (curl -k)
func generateRandomCertKey() (certPEM []byte, keyPEM []byte, err error) {
	subject := pkix.Name{
		Country:      []string{countries.China.Alpha2()},
		Organization: []string{"natcap"},
		CommonName:   "localhost",
	}

	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, max)
	if err != nil {
		return
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return
	}
	b, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b})

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return
}

func generateRandomTLSCert() ([]tls.Certificate, error) {
	c, k, err := generateRandomCertKey()
	if err != nil {
		return nil, err
	}
	tlsCert, err := tls.X509KeyPair(c, k)
	if err != nil {
		return nil, err
	}
	return []tls.Certificate{tlsCert}, nil
}
