package transfer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

const (
	PubKeyLen = 65 // uncompressed SEC1 point 04 || X || Y
	MaxSigLen = 72 // DER ECDSA signature, right-padded with zeros on the wire
	RawLen    = 64 // r || s, or X || Y
	HashLen   = 32
	HashedLen = SignableLen + 3*RawLen
	TailLen   = MaxSigLen + PubKeyLen + MaxSigLen
)

// DERZeroSignature is the placeholder pubKeySig of an online transfer,
// SEQUENCE { INTEGER 0, INTEGER 0 }.
var DERZeroSignature = []byte{0x30, 0x06, 0x02, 0x01, 0x00, 0x02, 0x01, 0x00}

// secp256r1 domain parameters as written into the card key objects.
var secp256r1 = struct {
	P, A, B, Gx, Gy, N string
	H                  int
}{
	P:  "ffffffff00000001000000000000000000000000ffffffffffffffffffffffff",
	A:  "ffffffff00000001000000000000000000000000fffffffffffffffffffffffc",
	B:  "5ac635d8aa3a93e7b3ebbd55769886bc651d06b0cc53b0f63bce3c3e27d2604b",
	Gx: "6b17d1f2e12c4247f8bce6e563a440f277037d812deb33a0f4a13945d898c296",
	Gy: "4fe342e2fe1a7f9b8ee7eb4a7c0f9e162bce33576b315ececbb6406837bf51f5",
	N:  "ffffffff00000000ffffffffffffffffbce6faada7179e84f3b9cac2fc632551",
	H:  1,
}

// Curve returns P-256 after checking it against the explicit secp256r1
// parameters. Key objects on the card are built from these values, so a
// mismatch is a programming error.
func Curve() elliptic.Curve {
	return curve
}

var curve = mustCurve()

func mustCurve() elliptic.Curve {
	c := elliptic.P256()
	p := c.Params()
	hexInt := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 16)
		if !ok {
			panic("transfer: bad curve constant " + s)
		}
		return v
	}
	// a = p - 3 for every NIST prime curve.
	a := new(big.Int).Sub(p.P, big.NewInt(3))
	if p.P.Cmp(hexInt(secp256r1.P)) != 0 ||
		a.Cmp(hexInt(secp256r1.A)) != 0 ||
		p.B.Cmp(hexInt(secp256r1.B)) != 0 ||
		p.Gx.Cmp(hexInt(secp256r1.Gx)) != 0 ||
		p.Gy.Cmp(hexInt(secp256r1.Gy)) != 0 ||
		p.N.Cmp(hexInt(secp256r1.N)) != 0 {
		panic("transfer: P-256 parameters do not match secp256r1")
	}
	return c
}

// ParsePublicKey decodes an uncompressed 65-byte point.
func ParsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	if len(b) != PubKeyLen || b[0] != 0x04 {
		return nil, fmt.Errorf("public key must be %d bytes starting with 04", PubKeyLen)
	}
	x, y := elliptic.Unmarshal(curve, b)
	if x == nil {
		return nil, errors.New("public key is not on secp256r1")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// MarshalPublicKey encodes pub as an uncompressed 65-byte point.
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(curve, pub.X, pub.Y)
}

// PrivateKeyFromScalar rebuilds a key pair from its 32-byte scalar.
func PrivateKeyFromScalar(d []byte) (*ecdsa.PrivateKey, error) {
	if len(d) != 32 {
		return nil, fmt.Errorf("private scalar must be 32 bytes, got %d", len(d))
	}
	k := new(big.Int).SetBytes(d)
	if k.Sign() == 0 || k.Cmp(curve.Params().N) >= 0 {
		return nil, errors.New("private scalar out of range")
	}
	priv := &ecdsa.PrivateKey{D: k}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d)
	return priv, nil
}

// Scalar returns the 32-byte private scalar of priv.
func Scalar(priv *ecdsa.PrivateKey) []byte {
	return priv.D.FillBytes(make([]byte, 32))
}

// Digest is the message hash used by every ECDSA signature in the system.
func Digest(msg []byte) []byte {
	h := sha256.Sum256(msg)
	return h[:]
}

// Verify checks a DER ECDSA-SHA256 signature over msg.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if pub == nil {
		return false
	}
	return ecdsa.VerifyASN1(pub, Digest(msg), sig)
}

// PadSignature right-pads a DER signature with zeros to MaxSigLen.
func PadSignature(der []byte) ([]byte, error) {
	if len(der) > MaxSigLen {
		return nil, fmt.Errorf("signature is %d bytes, max %d", len(der), MaxSigLen)
	}
	out := make([]byte, MaxSigLen)
	copy(out, der)
	return out, nil
}

// TrimSignature recovers the DER signature from a zero-padded field using
// the SEQUENCE length byte.
func TrimSignature(padded []byte) ([]byte, error) {
	if len(padded) < 2 || padded[0] != 0x30 {
		return nil, errors.New("signature is not a DER sequence")
	}
	n := int(padded[1]) + 2
	if n > len(padded) {
		return nil, fmt.Errorf("signature length %d exceeds field of %d bytes", n, len(padded))
	}
	return padded[:n], nil
}

// RawSignature converts a DER signature SEQUENCE { INTEGER r, INTEGER s } to
// r || s with each integer left-padded to 32 bytes. A leading zero byte on a
// 33-byte integer is dropped.
func RawSignature(der []byte) ([RawLen]byte, error) {
	var out [RawLen]byte
	if len(der) < 8 || der[0] != 0x30 || der[2] != 0x02 {
		return out, errors.New("malformed DER signature")
	}
	rLen := int(der[3])
	if rLen > 33 || 4+rLen+2 > len(der) {
		return out, errors.New("malformed DER signature: r")
	}
	r := der[4 : 4+rLen]
	if der[4+rLen] != 0x02 {
		return out, errors.New("malformed DER signature: s tag")
	}
	sLen := int(der[5+rLen])
	if sLen > 33 || 6+rLen+sLen > len(der) {
		return out, errors.New("malformed DER signature: s")
	}
	s := der[6+rLen : 6+rLen+sLen]
	fixed(out[:32], r)
	fixed(out[32:], s)
	return out, nil
}

func fixed(dst, v []byte) {
	if len(v) == 33 {
		v = v[1:]
	}
	copy(dst[len(dst)-len(v):], v)
}

// RawPublicKey strips the 04 prefix of an uncompressed point.
func RawPublicKey(pub []byte) ([RawLen]byte, error) {
	var out [RawLen]byte
	if len(pub) != PubKeyLen {
		return out, fmt.Errorf("public key must be %d bytes, got %d", PubKeyLen, len(pub))
	}
	copy(out[:], pub[1:])
	return out, nil
}
