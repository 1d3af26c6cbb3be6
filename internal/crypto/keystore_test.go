package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeystoreRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	key, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKey, key)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
}

func TestLoadSignerFromFile(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	d := testDomain(t)
	fromFile, err := LoadSigner(KeySource{EncryptedKeyPath: path, KeyPassword: "pw"}, d)
	require.NoError(t, err)
	raw, err := LoadSigner(KeySource{RawPrivateKey: testKey}, d)
	require.NoError(t, err)
	require.Equal(t, raw.Address(), fromFile.Address())

	_, err = LoadKey(KeySource{})
	require.Error(t, err)
}
