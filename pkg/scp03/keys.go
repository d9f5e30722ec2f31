package scp03

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// StaticKeys are the long-lived SCP03 key set shared by card and host.
type StaticKeys struct {
	ENC [16]byte
	MAC [16]byte
	DEK [16]byte
}

// DefaultKeys returns the GlobalPlatform test key set 40..4F used for ENC,
// MAC and DEK, the key set a fresh card starts with.
func DefaultKeys() StaticKeys {
	var k [16]byte
	for i := range k {
		k[i] = 0x40 + byte(i)
	}
	return StaticKeys{ENC: k, MAC: k, DEK: k}
}

// Bytes returns ENC || MAC || DEK, the layout used by key rotation.
func (k StaticKeys) Bytes() []byte {
	out := make([]byte, 0, 48)
	out = append(out, k.ENC[:]...)
	out = append(out, k.MAC[:]...)
	return append(out, k.DEK[:]...)
}

// ParseStaticKeys reads ENC || MAC || DEK.
func ParseStaticKeys(b []byte) (StaticKeys, error) {
	if len(b) != 48 {
		return StaticKeys{}, fmt.Errorf("static key set must be 48 bytes, got %d", len(b))
	}
	var k StaticKeys
	copy(k.ENC[:], b[0:16])
	copy(k.MAC[:], b[16:32])
	copy(k.DEK[:], b[32:48])
	return k, nil
}

// LoadKeyFile loads a static key set from a .hex file. The file holds either
// one line (the same key for ENC, MAC and DEK) or three lines in the order
// ENC, MAC, DEK. Each line is 32 hexadecimal characters; blank lines and
// lines starting with '#' are ignored.
func LoadKeyFile(path string) (StaticKeys, error) {
	f, err := os.Open(path)
	if err != nil {
		return StaticKeys{}, err
	}
	defer f.Close()

	var keys [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) != 32 {
			return StaticKeys{}, fmt.Errorf("key must be 32 hex chars, got %d", len(line))
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return StaticKeys{}, fmt.Errorf("invalid hex key: %v", err)
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return StaticKeys{}, err
	}

	var k StaticKeys
	switch len(keys) {
	case 0:
		return StaticKeys{}, errors.New("key file is empty")
	case 1:
		copy(k.ENC[:], keys[0])
		copy(k.MAC[:], keys[0])
		copy(k.DEK[:], keys[0])
	case 3:
		copy(k.ENC[:], keys[0])
		copy(k.MAC[:], keys[1])
		copy(k.DEK[:], keys[2])
	default:
		return StaticKeys{}, fmt.Errorf("key file must hold 1 or 3 keys, got %d", len(keys))
	}
	return k, nil
}
