package aescmac

import (
	"errors"
	"fmt"
)

// ErrBadPadding is returned when ISO 9797-1 method 2 padding is missing.
var ErrBadPadding = errors.New("bad padding")

// ZeroIV is the all-zero CBC initial vector used by the SCP03 command and
// response encryption in this system.
var ZeroIV = make([]byte, BlockSize)

// ECBEncrypt encrypts a single block.
func ECBEncrypt(key, blockIn []byte) ([]byte, error) {
	if len(blockIn) != BlockSize {
		return nil, fmt.Errorf("ECB input must be 16 bytes")
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	c.Encrypt(out, blockIn)
	return out, nil
}

// ECBDecrypt decrypts a single block.
func ECBDecrypt(key, blockIn []byte) ([]byte, error) {
	if len(blockIn) != BlockSize {
		return nil, fmt.Errorf("ECB input must be 16 bytes")
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	c.Decrypt(out, blockIn)
	return out, nil
}

// CBCEncrypt encrypts block-aligned data in CBC mode.
func CBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned")
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("CBC encrypt: IV must be 16 bytes")
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	prev := iv
	for i := 0; i < len(data); i += BlockSize {
		xorBlock(out[i:i+BlockSize], data[i:i+BlockSize], prev)
		c.Encrypt(out[i:i+BlockSize], out[i:i+BlockSize])
		prev = out[i : i+BlockSize]
	}
	return out, nil
}

// CBCDecrypt decrypts block-aligned data in CBC mode.
func CBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned")
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("CBC decrypt: IV must be 16 bytes")
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	prev := iv
	for i := 0; i < len(data); i += BlockSize {
		c.Decrypt(out[i:i+BlockSize], data[i:i+BlockSize])
		xorBlock(out[i:i+BlockSize], out[i:i+BlockSize], prev)
		prev = data[i : i+BlockSize]
	}
	return out, nil
}

// Pad applies ISO 9797-1 method 2 padding: 0x80 then zeros up to the next
// block boundary. A full block of padding is added to aligned input.
func Pad(data []byte) []byte {
	padLen := BlockSize - (len(data) % BlockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad strips ISO 9797-1 method 2 padding. Anything other than trailing
// zeros after the last 0x80 is rejected with ErrBadPadding.
func Unpad(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, ErrBadPadding
	}
	return data[:idx], nil
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}
