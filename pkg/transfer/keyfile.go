package transfer

import (
	"bufio"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// readHexLine returns the first non-blank, non-comment line of path decoded
// from hex.
func readHexLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex in %s: %v", path, err)
		}
		return b, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}

// LoadPublicKeyFile reads a hex-encoded uncompressed P-256 point (130 hex
// characters).
func LoadPublicKeyFile(path string) (*ecdsa.PublicKey, error) {
	b, err := readHexLine(path)
	if err != nil {
		return nil, err
	}
	if len(b) != PubKeyLen {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PubKeyLen, len(b))
	}
	return ParsePublicKey(b)
}

// LoadPrivateKeyFile reads a hex-encoded 32-byte P-256 scalar.
func LoadPrivateKeyFile(path string) (*ecdsa.PrivateKey, error) {
	b, err := readHexLine(path)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return PrivateKeyFromScalar(b)
}
