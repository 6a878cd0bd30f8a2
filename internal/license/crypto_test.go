package license

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	signer, _ := newTestKeys(t)
	lic := signedLicense(t, signer, nil)

	path := filepath.Join(t.TempDir(), "license.dat")
	ts, err := NewTokenStore(path, []byte("deployment-secret"))
	require.NoError(t, err)

	require.NoError(t, ts.Save(lic))

	loaded, err := ts.Load()
	require.NoError(t, err)
	assert.Equal(t, lic.ID, loaded.ID)
	assert.Equal(t, lic.Key, loaded.Key)
	assert.Equal(t, lic.Signature, loaded.Signature)
	assert.Equal(t, lic.Limits, loaded.Limits)
}

func TestTokenStoreRejectsEmptySecret(t *testing.T) {
	_, err := NewTokenStore("x", nil)
	assert.Error(t, err)
}

func TestTokenStoreMissingFile(t *testing.T) {
	ts, err := NewTokenStore(filepath.Join(t.TempDir(), "absent.dat"), []byte("s"))
	require.NoError(t, err)

	_, err = ts.Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTokenStoreDetectsTampering(t *testing.T) {
	signer, _ := newTestKeys(t)
	lic := signedLicense(t, signer, nil)

	path := filepath.Join(t.TempDir(), "license.dat")
	ts, err := NewTokenStore(path, []byte("deployment-secret"))
	require.NoError(t, err)
	require.NoError(t, ts.Save(lic))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = ts.Load()
	assert.ErrorIs(t, err, ErrTokenCorrupt)
}

func TestTokenStoreWrongSecret(t *testing.T) {
	signer, _ := newTestKeys(t)
	lic := signedLicense(t, signer, nil)

	path := filepath.Join(t.TempDir(), "license.dat")
	ts, err := NewTokenStore(path, []byte("right"))
	require.NoError(t, err)
	require.NoError(t, ts.Save(lic))

	other, err := NewTokenStore(path, []byte("wrong"))
	require.NoError(t, err)
	_, err = other.Load()
	assert.ErrorIs(t, err, ErrTokenCorrupt)
}

func TestTokenStoreRemove(t *testing.T) {
	signer, _ := newTestKeys(t)
	lic := signedLicense(t, signer, nil)

	path := filepath.Join(t.TempDir(), "license.dat")
	ts, err := NewTokenStore(path, []byte("s"))
	require.NoError(t, err)
	require.NoError(t, ts.Save(lic))

	require.NoError(t, ts.Remove())
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Removing again is a no-op.
	assert.NoError(t, ts.Remove())
}
