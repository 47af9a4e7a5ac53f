package krypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Parameters for new hashes. Existing hashes embed their own parameters,
// so these can change without invalidating stored hashes.
const (
	argonVariant     = "argon2id"
	argonMemoryKiB   = 47104
	argonIterations  = 1
	argonParallelism = 1
	argonSaltLen     = 16
	argonHashLen     = 32
)

// ErrInvalidInput indicates a value could not be hashed or parsed as a hash.
var ErrInvalidInput = errors.New("invalid input")

// Argon2Hash is the result of hashing a value with the argon2id algorithm.
// It keeps the parameters used to create it, so values can be verified
// against hashes created with older parameters.
type Argon2Hash struct {
	Variant     string
	Version     int
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	Salt        []byte
	Hash        []byte
}

// HashArgon2 hashes data with a random salt.
func HashArgon2(data []byte) (Argon2Hash, error) {
	if len(data) == 0 {
		return Argon2Hash{}, fmt.Errorf("refusing to hash empty input: %w", ErrInvalidInput)
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return Argon2Hash{}, err
	}

	return hashWithSalt(data, salt), nil
}

// HashArgon2WithKey hashes data using the provided key as salt. The
// result is deterministic for the same data and key, which makes it
// usable as a blind index for equality lookups on encrypted columns.
func HashArgon2WithKey(data []byte, key Key) (Argon2Hash, error) {
	if len(data) == 0 {
		return Argon2Hash{}, fmt.Errorf("refusing to hash empty input: %w", ErrInvalidInput)
	}

	if len(key.value) == 0 {
		return Argon2Hash{}, ErrInvalidKey
	}

	return hashWithSalt(data, key.value), nil
}

func hashWithSalt(data, salt []byte) Argon2Hash {
	hash := argon2.IDKey(data, salt, argonIterations, argonMemoryKiB, argonParallelism, argonHashLen)

	return Argon2Hash{
		Variant:     argonVariant,
		Version:     argon2.Version,
		MemoryKiB:   argonMemoryKiB,
		Iterations:  argonIterations,
		Parallelism: argonParallelism,
		Salt:        salt,
		Hash:        hash,
	}
}

// ParseArgon2Hash parses a hash in the standard
// $argon2id$v=..$m=..,t=..,p=..$salt$hash encoded form.
func ParseArgon2Hash(raw string) (Argon2Hash, error) {
	parts := strings.Split(raw, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Argon2Hash{}, fmt.Errorf("malformed hash: %w", ErrInvalidInput)
	}

	if parts[1] != argonVariant {
		return Argon2Hash{}, fmt.Errorf("unsupported variant %q: %w", parts[1], ErrInvalidInput)
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return Argon2Hash{}, fmt.Errorf("unsupported version: %w", ErrInvalidInput)
	}

	h := Argon2Hash{
		Variant: parts[1],
		Version: version,
	}

	var memory, iterations, parallelism uint64
	for _, param := range strings.Split(parts[3], ",") {
		key, value, found := strings.Cut(param, "=")
		if !found {
			return Argon2Hash{}, fmt.Errorf("malformed parameter %q: %w", param, ErrInvalidInput)
		}

		var tgt *uint64
		var bits int
		switch key {
		case "m":
			tgt, bits = &memory, 32
		case "t":
			tgt, bits = &iterations, 32
		case "p":
			tgt, bits = &parallelism, 8
		default:
			return Argon2Hash{}, fmt.Errorf("unknown parameter %q: %w", key, ErrInvalidInput)
		}

		*tgt, err = strconv.ParseUint(value, 10, bits)
		if err != nil {
			return Argon2Hash{}, fmt.Errorf("malformed parameter %q: %w", param, ErrInvalidInput)
		}
	}

	h.MemoryKiB = uint32(memory)
	h.Iterations = uint32(iterations)
	h.Parallelism = uint8(parallelism)

	h.Salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Hash{}, fmt.Errorf("malformed salt: %w", ErrInvalidInput)
	}

	h.Hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Argon2Hash{}, fmt.Errorf("malformed hash: %w", ErrInvalidInput)
	}

	return h, nil
}

// String returns the hash in its standard encoded form.
func (h Argon2Hash) String() string {
	var b strings.Builder

	b.WriteString("$")
	b.WriteString(h.Variant)
	b.WriteString("$v=")
	b.WriteString(strconv.Itoa(h.Version))
	b.WriteString("$m=")
	b.WriteString(strconv.FormatUint(uint64(h.MemoryKiB), 10))
	b.WriteString(",t=")
	b.WriteString(strconv.FormatUint(uint64(h.Iterations), 10))
	b.WriteString(",p=")
	b.WriteString(strconv.FormatUint(uint64(h.Parallelism), 10))
	b.WriteString("$")
	b.WriteString(base64.RawStdEncoding.EncodeToString(h.Salt))
	b.WriteString("$")
	b.WriteString(base64.RawStdEncoding.EncodeToString(h.Hash))

	return b.String()
}

// MatchBytes reports if data hashes to this hash using the parameters
// and salt embedded in it.
func (h Argon2Hash) MatchBytes(data []byte) bool {
	other := argon2.IDKey(data, h.Salt, h.Iterations, h.MemoryKiB, h.Parallelism, uint32(len(h.Hash)))
	return subtle.ConstantTimeCompare(h.Hash, other) == 1
}

func (h Argon2Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Argon2Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseArgon2Hash(string(text))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}

// Scan implements the sql.Scanner interface.
func (h *Argon2Hash) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return h.UnmarshalText([]byte(v))
	case []byte:
		return h.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into Argon2Hash: %w", src, ErrInvalidInput)
	}
}
