package transfer

import (
	"crypto/sha256"
	"fmt"
)

// Hashable is a stored transfer record: the signable followed by the raw
// signature, raw public key and raw public key signature, plus the SHA-256
// of those HashedLen bytes.
type Hashable struct {
	Contents [HashedLen]byte
	Hash     [HashLen]byte
}

// MakeHashable normalizes sig, pub and pubKeySig to fixed width and hashes
// the record.
func MakeHashable(s Signable, sig, pub, pubKeySig []byte) (Hashable, error) {
	var h Hashable
	rawSig, err := RawSignature(sig)
	if err != nil {
		return h, fmt.Errorf("signature: %w", err)
	}
	rawPub, err := RawPublicKey(pub)
	if err != nil {
		return h, err
	}
	rawPubSig, err := RawSignature(pubKeySig)
	if err != nil {
		return h, fmt.Errorf("public key signature: %w", err)
	}
	copy(h.Contents[:], s[:])
	copy(h.Contents[SignableLen:], rawSig[:])
	copy(h.Contents[SignableLen+RawLen:], rawPub[:])
	copy(h.Contents[SignableLen+2*RawLen:], rawPubSig[:])
	h.Hash = sha256.Sum256(h.Contents[:])
	return h, nil
}

// ParseHashable decodes a record returned by GET_TRANSFER and recomputes
// its hash.
func ParseHashable(b []byte) (Hashable, error) {
	var h Hashable
	if len(b) != HashedLen {
		return h, fmt.Errorf("hashable must be %d bytes, got %d", HashedLen, len(b))
	}
	copy(h.Contents[:], b)
	h.Hash = sha256.Sum256(h.Contents[:])
	return h, nil
}

// Signable returns the first SignableLen bytes of the record.
func (h Hashable) Signable() Signable {
	var s Signable
	copy(s[:], h.Contents[:SignableLen])
	return s
}

// Tail is the SIGN_TRANSFER response and the VERIFY_TRANSFER phase two
// payload: sig(72) || pubKey(65) || pubKeySig(72), DER fields zero-padded.
type Tail struct {
	Sig       []byte
	PubKey    []byte
	PubKeySig []byte
}

// Encode pads and concatenates the three fields.
func (t Tail) Encode() ([]byte, error) {
	sig, err := PadSignature(t.Sig)
	if err != nil {
		return nil, err
	}
	pubSig, err := PadSignature(t.PubKeySig)
	if err != nil {
		return nil, err
	}
	if len(t.PubKey) != PubKeyLen {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PubKeyLen, len(t.PubKey))
	}
	out := make([]byte, 0, TailLen)
	out = append(out, sig...)
	out = append(out, t.PubKey...)
	return append(out, pubSig...), nil
}

// ParseTail splits a TailLen payload and trims the DER fields.
func ParseTail(b []byte) (Tail, error) {
	if len(b) != TailLen {
		return Tail{}, fmt.Errorf("tail must be %d bytes, got %d", TailLen, len(b))
	}
	sig, err := TrimSignature(b[:MaxSigLen])
	if err != nil {
		return Tail{}, err
	}
	pubSig, err := TrimSignature(b[MaxSigLen+PubKeyLen:])
	if err != nil {
		return Tail{}, err
	}
	return Tail{
		Sig:       sig,
		PubKey:    append([]byte(nil), b[MaxSigLen:MaxSigLen+PubKeyLen]...),
		PubKeySig: pubSig,
	}, nil
}
