package store

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations, matching the
// teacher's format exactly so an operator migrating a FlowPBX-style hash
// column doesn't have to reason about two schemes.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// HashCredential hashes a plaintext credential (SIP password or voicemail
// PIN) with Argon2id, returning an encoded string of the form
// "$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>". The salt is generated
// internally; spec.md's "credential hash + salt" fields both live in this
// one encoded string, with the raw salt also returned for callers that
// store it separately.
func HashCredential(plaintext string) (encoded, salt string, err error) {
	saltBytes := make([]byte, argon2SaltLen)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(plaintext), saltBytes, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	encoded = fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(saltBytes),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, base64.RawStdEncoding.EncodeToString(saltBytes), nil
}

// CheckCredential verifies a plaintext credential against an Argon2id
// encoded hash using constant-time comparison.
func CheckCredential(plaintext, encoded string) (bool, error) {
	saltBytes, hash, params, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(plaintext), saltBytes, params.time, params.memory, params.threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
}

func decodeHash(encoded string) (salt, hash []byte, params argon2Params, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, nil, params, fmt.Errorf("invalid hash format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, params, fmt.Errorf("parsing version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, params, fmt.Errorf("unsupported argon2 version: %d", version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return nil, nil, params, fmt.Errorf("parsing parameters: %w", err)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding salt: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding hash: %w", err)
	}
	return salt, hash, params, nil
}
