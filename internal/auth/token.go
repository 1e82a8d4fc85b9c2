// Package auth implements HMAC-based token authentication for TORQUE.
// A client proves who it is by signing "user|timestamp" with the shared
// key stored in $PBS_HOME/auth_key, instead of relying on trqauthd and
// privileged ports.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// KeyFileName is the name of the shared authentication key file.
	KeyFileName = "auth_key"

	// MaxClockSkew is the maximum allowed difference between client and
	// server timestamps, which bounds token replay.
	MaxClockSkew = 300 * time.Second

	// KeySize is the number of random bytes in the auth key.
	KeySize = 32
)

// ErrBadToken is returned for a token that does not verify.
var ErrBadToken = errors.New("auth: invalid token")

// GenerateKeyFile creates a new random key file in dir. The file is world
// readable so local users can sign their requests.
func GenerateKeyFile(dir string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate random key")
	}
	path := filepath.Join(dir, KeyFileName)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0644); err != nil {
		return nil, errors.Wrapf(err, "write key file %s", path)
	}
	return key, nil
}

// LoadKey reads the key file from dir.
func LoadKey(dir string) ([]byte, error) {
	path := filepath.Join(dir, KeyFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read key file %s", path)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode key from %s", path)
	}
	return key, nil
}

// LoadOrGenerateKey loads the key from dir, creating it when absent.
func LoadOrGenerateKey(dir string) (key []byte, generated bool, err error) {
	key, err = LoadKey(dir)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	key, err = GenerateKeyFile(dir)
	return key, err == nil, err
}

// ComputeToken signs "user|timestamp" with key.
func ComputeToken(user string, timestamp int64, key []byte) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s|%d", user, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks token for user and timestamp against key as of now.
func VerifyToken(user string, timestamp int64, token string, key []byte, now time.Time) error {
	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return errors.Wrapf(ErrBadToken, "timestamp skew %s exceeds %s", skew.Truncate(time.Second), MaxClockSkew)
	}
	if !hmac.Equal([]byte(token), []byte(ComputeToken(user, timestamp, key))) {
		return errors.Wrapf(ErrBadToken, "user %s", user)
	}
	return nil
}
