// Command dtlsd runs a standalone DTLS 1.2 handshake server, useful for
// interop testing against CoAP clients.
package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/coapsec/dtls/dtls"
)

func main() {
	var (
		listen     = pflag.String("listen", ":5684", "UDP address to listen on")
		certFile   = pflag.String("cert", "", "server certificate chain, PEM")
		keyFile    = pflag.String("key", "", "server ECDSA private key, PEM")
		caFile     = pflag.String("ca", "", "trust anchors for client certificates, PEM")
		psks       = pflag.StringArray("psk", nil, "preshared key as identity:hexkey, repeatable")
		clientAuth = pflag.Bool("client-auth", false, "require client certificate authentication")
		debug      = pflag.Bool("debug", false, "verbose logging")
	)
	pflag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	config := &dtls.Config{
		ClientAuth: *clientAuth,
		Logger:     log,
	}

	if *certFile != "" {
		config.Certificates, err = loadChain(*certFile)
		if err != nil {
			log.Fatal("loading certificate chain", zap.Error(err))
		}
		config.PrivateKey, err = loadKey(*keyFile)
		if err != nil {
			log.Fatal("loading private key", zap.Error(err))
		}
	}
	if *caFile != "" {
		anchors, err := os.ReadFile(*caFile)
		if err != nil {
			log.Fatal("loading trust anchors", zap.Error(err))
		}
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(anchors) {
			log.Fatal("no certificates in trust anchor file")
		}
	}
	config.PresharedKeys, err = parsePSKs(*psks)
	if err != nil {
		log.Fatal("parsing preshared keys", zap.Error(err))
	}

	l, err := dtls.Listen("udp", *listen, config)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}
	log.Info("listening", zap.String("addr", l.Addr().String()))

	for {
		c, err := l.Accept()
		if err != nil {
			log.Fatal("accept", zap.Error(err))
		}
		s := c.Session()
		log.Info("session established",
			zap.String("peer", c.RemoteAddr().String()),
			zap.Uint16("cipher_suite", s.CipherSuite),
			zap.Binary("session_id", s.ID))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadChain(path string) ([][]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chain [][]byte
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	return chain, nil
}

func loadKey(path string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errNoKey
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errNotECDSA
	}
	return ec, nil
}

func parsePSKs(args []string) (map[string][]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	keys := make(map[string][]byte, len(args))
	for _, arg := range args {
		id, hexKey, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, errBadPSK
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, err
		}
		keys[id] = key
	}
	return keys, nil
}

var (
	errNoKey    = errors.New("no PEM block in key file")
	errNotECDSA = errors.New("private key is not ECDSA")
	errBadPSK   = errors.New("preshared key must be identity:hexkey")
)
