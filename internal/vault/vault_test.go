// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentKeyStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir, "correct horse battery staple")
	require.NoError(t, err)

	key1, err := v.UnwrapDocumentKey("doc-1")
	require.NoError(t, err)
	require.Len(t, key1, KeySize)
	v.Close()

	v2, err := Open(dir, "correct horse battery staple")
	require.NoError(t, err)
	defer v2.Close()
	key2, err := v2.UnwrapDocumentKey("doc-1")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestWrongPassphraseCannotUnwrap(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(dir, "right")
	require.NoError(t, err)
	_, err = v.UnwrapDocumentKey("doc-1")
	require.NoError(t, err)
	v.Close()

	v2, err := Open(dir, "wrong")
	require.NoError(t, err)
	defer v2.Close()
	_, err = v2.UnwrapDocumentKey("doc-1")
	assert.Error(t, err)
}

func TestRotateChangesKey(t *testing.T) {
	v, err := Open(t.TempDir(), "pw")
	require.NoError(t, err)
	defer v.Close()

	key1, err := v.UnwrapDocumentKey("doc-1")
	require.NoError(t, err)
	require.NoError(t, v.RotateDocumentKey("doc-1"))
	key2, err := v.UnwrapDocumentKey("doc-1")
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)
}

func TestDeriveSubkeyDomainSeparated(t *testing.T) {
	v, err := Open(t.TempDir(), "pw")
	require.NoError(t, err)
	defer v.Close()

	a, err := v.DeriveSubkey("session-log")
	require.NoError(t, err)
	b, err := v.DeriveSubkey("document-wrap")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)

	again, err := v.DeriveSubkey("session-log")
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestClosedVaultRefusesAndZeroises(t *testing.T) {
	v, err := Open(t.TempDir(), "pw")
	require.NoError(t, err)
	master := v.master
	v.Close()

	_, err = v.DeriveSubkey("x")
	assert.ErrorIs(t, err, ErrLocked)
	assert.True(t, bytes.Equal(master, make([]byte, len(master))), "master key must be zeroised")
}

func TestShamirRoundTrip(t *testing.T) {
	secret := []byte("the master key 0123456789abcdef")
	shards, err := shamirSplit(secret, 3, 5)
	require.NoError(t, err)
	require.Len(t, shards, 5)

	// Any 3 shards reconstruct.
	got, err := shamirCombine([][]byte{shards[4], shards[0], shards[2]})
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestShamirBelowThresholdFails(t *testing.T) {
	secret := []byte("another secret value")
	shards, err := shamirSplit(secret, 3, 5)
	require.NoError(t, err)

	got, err := shamirCombine([][]byte{shards[0], shards[1]})
	if err == nil {
		// Two shards of a threshold-3 split interpolate to garbage; the
		// combine itself cannot detect it, so the value must differ.
		assert.NotEqual(t, secret, got)
	}
}

func TestShamirRejectsDuplicates(t *testing.T) {
	shards, err := shamirSplit([]byte("secret material here"), 2, 3)
	require.NoError(t, err)
	_, err = shamirCombine([][]byte{shards[0], shards[0]})
	assert.ErrorIs(t, err, ErrBadShards)
}

func TestShamirValidation(t *testing.T) {
	_, err := shamirSplit([]byte("x"), 1, 3)
	assert.Error(t, err)
	_, err = shamirSplit([]byte("x"), 4, 3)
	assert.Error(t, err)
	_, err = shamirSplit(nil, 2, 3)
	assert.Error(t, err)
}

func TestSplitCombineThroughVault(t *testing.T) {
	v, err := Open(t.TempDir(), "pw")
	require.NoError(t, err)
	defer v.Close()

	shards, err := v.SplitMasterKey(2, 3)
	require.NoError(t, err)
	combined, err := v.CombineMasterKey(shards[:2])
	require.NoError(t, err)
	assert.Equal(t, v.master, combined)
}

func TestTOTPEnrollAndVerify(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, TOTPEnrolled(dir))

	url, err := EnrollTOTP(dir, "user@device")
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://")
	assert.True(t, TOTPEnrolled(dir))

	// Generate a valid code from the stored secret and verify it.
	secret, err := readSecret(dir)
	require.NoError(t, err)
	now := time.Now()
	code, err := totp.GenerateCode(secret, now)
	require.NoError(t, err)
	ok, err := VerifyTOTPAt(dir, code, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyTOTPAt(dir, "000000", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func readSecret(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, totpFilename))
	return string(data), err
}

func TestTOTPNotEnrolled(t *testing.T) {
	_, err := VerifyTOTP(t.TempDir(), "123456")
	assert.ErrorIs(t, err, ErrTOTPNotEnrolled)
}
