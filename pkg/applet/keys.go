package applet

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

const (
	rsaBits       = 1024
	rsaModulusLen = rsaBits / 8
)

// generateKeys creates the card EC and RSA key pairs.
func (a *Applet) generateKeys(d *Durable) error {
	ec, err := ecdsa.GenerateKey(transfer.Curve(), a.rand)
	if err != nil {
		return fmt.Errorf("generate EC key: %w", err)
	}
	rk, err := rsa.GenerateKey(a.rand, rsaBits)
	if err != nil {
		return fmt.Errorf("generate RSA key: %w", err)
	}
	d.ECPrivate = transfer.Scalar(ec)
	d.RSAPrivate = x509.MarshalPKCS1PrivateKey(rk)
	return nil
}

func (a *Applet) cardKey() (*ecdsa.PrivateKey, error) {
	if len(a.durable.ECPrivate) == 0 {
		return nil, apdu.Status(apdu.SWECCardKeyMissing)
	}
	k, err := transfer.PrivateKeyFromScalar(a.durable.ECPrivate)
	if err != nil {
		return nil, apdu.Status(apdu.SWInitSigner)
	}
	return k, nil
}

func (a *Applet) rsaKey() (*rsa.PrivateKey, error) {
	if len(a.durable.RSAPrivate) == 0 {
		return nil, apdu.Status(apdu.SWCryptoException)
	}
	k, err := x509.ParsePKCS1PrivateKey(a.durable.RSAPrivate)
	if err != nil {
		return nil, apdu.Status(apdu.SWCryptoException)
	}
	return k, nil
}

// sign produces a DER ECDSA-SHA256 signature.
func (a *Applet) sign(k *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := ecdsa.SignASN1(a.rand, k, transfer.Digest(msg))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// verifyMaster checks a signature made with the program master key. A card
// without a master key rejects every such signature.
func (a *Applet) verifyMaster(msg, sig []byte) bool {
	if len(a.durable.MasterPublicKey) == 0 {
		return false
	}
	pub, err := transfer.ParsePublicKey(a.durable.MasterPublicKey)
	if err != nil {
		return false
	}
	return transfer.Verify(pub, msg, sig)
}

// derPrefix returns the DER signature at the start of b, using the SEQUENCE
// length byte.
func derPrefix(b []byte) ([]byte, bool) {
	sig, err := transfer.TrimSignature(b)
	return sig, err == nil
}
