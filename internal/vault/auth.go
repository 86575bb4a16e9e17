// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/pquerna/otp/totp"
)

// Optional TOTP second factor for vault unlock. Enrollment stores the
// secret under the vault directory; verification is offline against the
// device clock.

const totpFilename = "vault_totp"

// ErrTOTPNotEnrolled is returned when verification runs without enrollment.
var ErrTOTPNotEnrolled = errors.New("totp not enrolled")

// EnrollTOTP generates and stores a TOTP secret, returning the otpauth URL
// for the user's authenticator app.
func EnrollTOTP(dir, account string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Sovereign",
		AccountName: account,
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, totpFilename), []byte(key.Secret()), 0o600); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// TOTPEnrolled reports whether a secret is stored.
func TOTPEnrolled(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, totpFilename))
	return err == nil
}

// VerifyTOTP checks a user-entered code against the stored secret.
func VerifyTOTP(dir, code string) (bool, error) {
	secret, err := os.ReadFile(filepath.Join(dir, totpFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrTOTPNotEnrolled
		}
		return false, err
	}
	return totp.Validate(code, string(secret)), nil
}

// VerifyTOTPAt checks a code at a specific time; used by tests.
func VerifyTOTPAt(dir, code string, at time.Time) (bool, error) {
	secret, err := os.ReadFile(filepath.Join(dir, totpFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrTOTPNotEnrolled
		}
		return false, err
	}
	return totp.ValidateCustom(code, string(secret), at, totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: 6, Algorithm: 0,
	})
}
