package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for hashing paired-device bearer secrets at rest.
// The secret itself is already a 24-byte random value (randomSecret),
// so these are tuned light relative to a human password hash — the
// threat being a stolen device-registry dump, not online guessing.
const (
	secretArgonTime    = 1
	secretArgonMemory  = 19 * 1024
	secretArgonThreads = 1
	secretArgonKeyLen  = 32
	secretArgonSaltLen = 16
)

// hashSecret hashes a device's plaintext bearer secret for storage,
// returning a PHC-formatted string: $argon2id$v=19$m=...,t=...,p=...$salt$hash
func hashSecret(secret string) (string, error) {
	salt := make([]byte, secretArgonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, secretArgonTime, secretArgonMemory, secretArgonThreads, secretArgonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		secretArgonMemory, secretArgonTime, secretArgonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifySecret checks a presented bearer token against a stored
// argon2id hash, in constant time.
func verifySecret(secret, encodedHash string) bool {
	salt, hash, params, err := decodeSecretPHC(encodedHash)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(secret), salt, params.time, params.memory, params.threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, candidate) == 1
}

type secretArgonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func decodeSecretPHC(encoded string) (salt, hash []byte, params secretArgonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("session: malformed secret hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, params, fmt.Errorf("session: malformed secret hash version: %w", err)
	}
	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return nil, nil, params, fmt.Errorf("session: malformed secret hash params: %w", err)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("session: malformed secret hash salt: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, fmt.Errorf("session: malformed secret hash digest: %w", err)
	}
	return salt, hash, secretArgonParams{time: timeCost, memory: memory, threads: threads}, nil
}
