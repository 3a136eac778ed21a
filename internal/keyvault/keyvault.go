// Package keyvault envelope-encrypts custodial private keys at rest.
//
// Each secret is sealed under its own data key, derived with Argon2id from the
// master key material and a random salt. The salt and nonce travel with the
// ciphertext; the master key material never does.
package keyvault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrKeyVault is the umbrella for every vault failure. It is fatal for the
	// calling operation and is never retried.
	ErrKeyVault = errors.New("key vault")

	// ErrIntegrityFailure means the ciphertext failed authentication: it was
	// corrupted, truncated, or sealed under different key material or scope.
	ErrIntegrityFailure = fmt.Errorf("%w: integrity failure", ErrKeyVault)

	// ErrMisconfigured means the vault has no usable key material or parameters.
	ErrMisconfigured = fmt.Errorf("%w: misconfigured", ErrKeyVault)
)

const (
	formatVersion byte = 1
	saltSize           = 16
	keySize            = chacha20poly1305.KeySize
	nonceSize          = chacha20poly1305.NonceSizeX
	headerSize         = 1 + saltSize + nonceSize

	// MinKeyMaterial is the shortest master key material accepted.
	MinKeyMaterial = 32
)

// KeyMaterial is the long-lived master secret the data keys are derived from.
type KeyMaterial []byte

// Params tunes the Argon2id derivation.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultParams follows the RFC 9106 second recommended option.
var DefaultParams = Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

func (p Params) validate() error {
	if p.Time == 0 || p.MemoryKiB < 8*uint32(p.Threads) || p.Threads == 0 {
		return fmt.Errorf("%w: invalid kdf params %+v", ErrMisconfigured, p)
	}
	return nil
}

// Vault seals and opens secrets with a fixed master key material.
type Vault struct {
	km     KeyMaterial
	params Params
}

// New builds a Vault. It fails with ErrMisconfigured when the key material is
// missing or too short.
func New(km KeyMaterial, params Params) (*Vault, error) {
	if len(km) < MinKeyMaterial {
		return nil, fmt.Errorf("%w: key material must be at least %d bytes", ErrMisconfigured, MinKeyMaterial)
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Vault{km: append(KeyMaterial(nil), km...), params: params}, nil
}

// Encrypt seals secret bound to scope.
func (v *Vault) Encrypt(secret []byte, scope string) ([]byte, error) {
	if v == nil {
		return nil, ErrMisconfigured
	}
	return seal(secret, v.km, scope, v.params)
}

// Decrypt opens a blob produced by Encrypt with the same scope.
func (v *Vault) Decrypt(ciphertext []byte, scope string) ([]byte, error) {
	if v == nil {
		return nil, ErrMisconfigured
	}
	return open(ciphertext, v.km, scope, v.params)
}

// Encrypt seals secret under km with DefaultParams.
func Encrypt(secret []byte, km KeyMaterial, scope string) ([]byte, error) {
	if len(km) == 0 {
		return nil, fmt.Errorf("%w: key material absent", ErrMisconfigured)
	}
	return seal(secret, km, scope, DefaultParams)
}

// Decrypt opens a blob sealed by Encrypt.
func Decrypt(ciphertext []byte, km KeyMaterial, scope string) ([]byte, error) {
	if len(km) == 0 {
		return nil, fmt.Errorf("%w: key material absent", ErrMisconfigured)
	}
	return open(ciphertext, km, scope, DefaultParams)
}

func deriveKey(km KeyMaterial, salt []byte, p Params) []byte {
	return argon2.IDKey(km, salt, p.Time, p.MemoryKiB, p.Threads, keySize)
}

func seal(secret []byte, km KeyMaterial, scope string, p Params) ([]byte, error) {
	out := make([]byte, headerSize, headerSize+len(secret)+chacha20poly1305.Overhead)
	out[0] = formatVersion
	salt := out[1 : 1+saltSize]
	nonce := out[1+saltSize : headerSize]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: read salt: %v", ErrKeyVault, err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: read nonce: %v", ErrKeyVault, err)
	}

	key := deriveKey(km, salt, p)
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	return aead.Seal(out, nonce, secret, additionalData(scope)), nil
}

func open(blob []byte, km KeyMaterial, scope string, p Params) ([]byte, error) {
	if len(blob) < headerSize+chacha20poly1305.Overhead || blob[0] != formatVersion {
		return nil, ErrIntegrityFailure
	}
	salt := blob[1 : 1+saltSize]
	nonce := blob[1+saltSize : headerSize]

	key := deriveKey(km, salt, p)
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	secret, err := aead.Open(nil, nonce, blob[headerSize:], additionalData(scope))
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	return secret, nil
}

func additionalData(scope string) []byte {
	return append([]byte{formatVersion}, scope...)
}

// Wipe zeroes b. Callers use it on decrypted keys once signing is done.
func Wipe(b []byte) { wipe(b) }

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
