package scp03

import (
	"github.com/barnettlynn/impalacard/pkg/aescmac"
)

// Derivation constants from GlobalPlatform Amendment D, table 4-1.
const (
	derivCardCryptogram byte = 0x00
	derivHostCryptogram byte = 0x01
	derivSENC           byte = 0x04
	derivSMAC           byte = 0x06
	derivSRMAC          byte = 0x07
)

const (
	ChallengeLen  = 8
	CryptogramLen = 8
	MACLen        = 8

	initUpdateRespLen = 29
	scpIdentifier     = 0x03
)

var (
	keyDiversification = make([]byte, 10)
	keyInfo            = []byte{0x01, scpIdentifier, 0x70}
)

// deriveBlock builds the 32-byte KDF input:
//
//	00 x 11 | const | 00 | L (2 bytes, bits) | 01 | host challenge | card challenge
func deriveBlock(constant byte, lenBits uint16, hostChallenge, cardChallenge []byte) []byte {
	b := make([]byte, 32)
	b[11] = constant
	b[13] = byte(lenBits >> 8)
	b[14] = byte(lenBits)
	b[15] = 0x01
	copy(b[16:24], hostChallenge)
	copy(b[24:32], cardChallenge)
	return b
}

// sessionKeys holds the per-handshake keys derived from the static set.
type sessionKeys struct {
	enc  *aescmac.Cipher
	mac  *aescmac.Cipher
	rmac *aescmac.Cipher

	encKey [16]byte
}

func deriveSessionKeys(static StaticKeys, hostChallenge, cardChallenge []byte) (*sessionKeys, error) {
	encStatic, err := aescmac.NewCipher(static.ENC[:])
	if err != nil {
		return nil, err
	}
	macStatic, err := aescmac.NewCipher(static.MAC[:])
	if err != nil {
		return nil, err
	}

	sEnc := encStatic.CMAC(deriveBlock(derivSENC, 0x0080, hostChallenge, cardChallenge))
	sMac := macStatic.CMAC(deriveBlock(derivSMAC, 0x0080, hostChallenge, cardChallenge))
	sRmac := macStatic.CMAC(deriveBlock(derivSRMAC, 0x0080, hostChallenge, cardChallenge))

	k := &sessionKeys{}
	copy(k.encKey[:], sEnc)
	if k.enc, err = aescmac.NewCipher(sEnc); err != nil {
		return nil, err
	}
	if k.mac, err = aescmac.NewCipher(sMac); err != nil {
		return nil, err
	}
	if k.rmac, err = aescmac.NewCipher(sRmac); err != nil {
		return nil, err
	}
	return k, nil
}

// cryptogram computes the 8-byte card or host cryptogram under S-MAC.
func (k *sessionKeys) cryptogram(constant byte, hostChallenge, cardChallenge []byte) []byte {
	return k.mac.CMAC(deriveBlock(constant, 0x0040, hostChallenge, cardChallenge))[:CryptogramLen]
}

// Cryptograms derives the card and host cryptograms for a challenge pair.
// Both sides of the channel compute them; tooling uses it for diagnostics.
func Cryptograms(static StaticKeys, hostChallenge, cardChallenge []byte) (card, host []byte, err error) {
	k, err := deriveSessionKeys(static, hostChallenge, cardChallenge)
	if err != nil {
		return nil, nil, err
	}
	return k.cryptogram(derivCardCryptogram, hostChallenge, cardChallenge),
		k.cryptogram(derivHostCryptogram, hostChallenge, cardChallenge), nil
}

// macInput concatenates the chaining value with the command header, the
// adjusted Lc and the payload.
func macInput(chain []byte, cla, ins, p1, p2 byte, payload []byte) []byte {
	m := make([]byte, 0, len(chain)+5+len(payload))
	m = append(m, chain...)
	m = append(m, cla, ins, p1, p2, byte(len(payload)))
	return append(m, payload...)
}
