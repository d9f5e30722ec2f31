package transfer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadKeyFiles(t *testing.T) {
	priv, err := ecdsa.GenerateKey(Curve(), rand.Reader)
	require.NoError(t, err)

	privPath := writeFile(t, "master.hex", "# program master key\n\n"+strings.ToUpper(hex.EncodeToString(Scalar(priv)))+"\n")
	pubPath := writeFile(t, "master.pub.hex", hex.EncodeToString(MarshalPublicKey(&priv.PublicKey)))

	gotPriv, err := LoadPrivateKeyFile(privPath)
	require.NoError(t, err)
	assert.Equal(t, 0, priv.D.Cmp(gotPriv.D))

	gotPub, err := LoadPublicKeyFile(pubPath)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(gotPub))
}

func TestLoadKeyFileErrors(t *testing.T) {
	_, err := LoadPublicKeyFile(writeFile(t, "empty.hex", "\n# nothing\n"))
	assert.ErrorContains(t, err, "empty")

	_, err = LoadPublicKeyFile(writeFile(t, "short.hex", "04AABB"))
	assert.ErrorContains(t, err, "65 bytes")

	_, err = LoadPrivateKeyFile(writeFile(t, "bad.hex", "zz"))
	assert.ErrorContains(t, err, "invalid hex")

	_, err = LoadPrivateKeyFile(filepath.Join(t.TempDir(), "missing.hex"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
