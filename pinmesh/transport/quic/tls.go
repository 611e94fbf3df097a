package quic

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/TheusHen/pinmesh/pinmesh/certauth"
)

const (
	ALPN = "pinmesh/1"

	exporterLabel = "EXPORTER-pinmesh-session"
	exporterSize  = 32
)

// nodeCertOID tags the x509 extension carrying the encoded node certificate.
var nodeCertOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59732, 1, 1}

var (
	ErrNoPeerCertificate = errors.New("quic: peer presented no certificate")
	ErrMissingNodeCert   = errors.New("quic: certificate lacks node certificate extension")
	ErrKeyBinding        = errors.New("quic: tls key does not match node certificate")
)

// NewTLSCertificate builds a self-signed x509 certificate for the leaf of
// chain. signer must hold the leaf's subject key; the encoded leaf rides in
// an extension so the peer can bind the TLS key to the node certificate.
func NewTLSCertificate(signer crypto.Signer, leaf *certauth.Certificate) (tls.Certificate, error) {
	pub, ok := signer.Public().(ed25519.PublicKey)
	if !ok || !bytes.Equal(pub, leaf.SubjectKey) {
		return tls.Certificate{}, ErrKeyBinding
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "pinmesh " + leaf.Subject.ShortString(),
		},
		NotBefore: time.Now().Add(-1 * time.Hour),
		NotAfter:  leaf.NotAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{
			{Id: nodeCertOID, Value: leaf.Encode()},
		},
	}
	if !tpl.NotAfter.After(tpl.NotBefore) {
		tpl.NotAfter = time.Now().Add(time.Hour)
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, pub, signer)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quic: create tls certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  signer,
		Leaf:        parsed,
	}, nil
}

// VerifyBinding is the TLS peer certificate callback. It only checks that the
// x509 key equals the key of the embedded node certificate; whether that node
// is trusted is decided after the handshake.
func VerifyBinding(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("quic: parse peer certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an ed25519 key", ErrKeyBinding)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("quic: peer certificate self-signature: %w", err)
	}
	nodeCert, err := EmbeddedNodeCertificate(cert)
	if err != nil {
		return err
	}
	if !bytes.Equal(pub, nodeCert.SubjectKey) {
		return ErrKeyBinding
	}
	return nil
}

// EmbeddedNodeCertificate extracts the node certificate from an x509 certificate.
func EmbeddedNodeCertificate(cert *x509.Certificate) (*certauth.Certificate, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(nodeCertOID) {
			return certauth.Decode(ext.Value)
		}
	}
	return nil, ErrMissingNodeCert
}

// PeerKey returns the Ed25519 key the peer proved possession of in TLS.
func PeerKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrKeyBinding)
	}
	return pub, nil
}

// ExportBinding exports keying material unique to this TLS connection.
func ExportBinding(state tls.ConnectionState) ([]byte, error) {
	return state.ExportKeyingMaterial(exporterLabel, nil, exporterSize)
}

func baseTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
		// No PKI: the node certificate is checked after the handshake.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: VerifyBinding,
	}
}

func NewServerTLSConfig(cert tls.Certificate) *tls.Config {
	c := baseTLSConfig(cert)
	c.ClientAuth = tls.RequireAnyClientCert
	return c
}

func NewClientTLSConfig(cert tls.Certificate) *tls.Config {
	return baseTLSConfig(cert)
}
