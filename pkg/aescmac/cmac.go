package aescmac

import "crypto/subtle"

const rb = 0x87

// Subkeys derives the CMAC subkeys K1 and K2 from L = AES(key, 0^128).
func Subkeys(c *Cipher) (k1, k2 []byte) {
	zero := make([]byte, BlockSize)
	L := make([]byte, BlockSize)
	c.Encrypt(L, zero)

	k1 = make([]byte, BlockSize)
	leftShift1(k1, L)
	if (L[0] & 0x80) != 0 {
		k1[BlockSize-1] ^= rb
	}

	k2 = make([]byte, BlockSize)
	leftShift1(k2, k1)
	if (k1[0] & 0x80) != 0 {
		k2[BlockSize-1] ^= rb
	}
	return k1, k2
}

// CMAC computes the 16-byte AES-CMAC (NIST SP 800-38B) of msg under key.
// Callers that need a shorter tag keep the leftmost bytes.
func CMAC(key, msg []byte) ([]byte, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return c.CMAC(msg), nil
}

// CMAC computes the AES-CMAC of msg with the cipher's key.
func (c *Cipher) CMAC(msg []byte) []byte {
	k1, k2 := Subkeys(c)

	n := (len(msg) + BlockSize - 1) / BlockSize
	if n == 0 {
		n = 1
	}
	lastComplete := len(msg) != 0 && len(msg)%BlockSize == 0

	last := make([]byte, BlockSize)
	if lastComplete {
		copy(last, msg[(n-1)*BlockSize:])
		xorBlock(last, last, k1)
	} else {
		remain := len(msg) - (n-1)*BlockSize
		if remain > 0 {
			copy(last, msg[(n-1)*BlockSize:])
		}
		last[remain] = 0x80
		xorBlock(last, last, k2)
	}

	x := make([]byte, BlockSize)
	y := make([]byte, BlockSize)
	for i := 0; i < n-1; i++ {
		blockStart := i * BlockSize
		xorBlock(y, x, msg[blockStart:blockStart+BlockSize])
		c.Encrypt(x, y)
	}
	xorBlock(y, x, last)
	c.Encrypt(x, y)
	return x
}

// Verify recomputes the CMAC of msg and compares its leftmost len(tag) bytes
// with tag in constant time.
func (c *Cipher) Verify(msg, tag []byte) bool {
	if len(tag) == 0 || len(tag) > BlockSize {
		return false
	}
	return subtle.ConstantTimeCompare(c.CMAC(msg)[:len(tag)], tag) == 1
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}
