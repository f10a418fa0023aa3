package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	keysDir = "keys"

	signingKeyName    = "ed25519.key"
	signingPubKeyName = "ed25519.pub"

	pemTypePriv = "NECTAR ED25519 PRIVATE KEY"
	pemTypePub  = "NECTAR ED25519 PUBLIC KEY"

	keyDirPerm  = 0o700
	keyFilePerm = 0o600

	// sigContextRecord binds record signatures to this protocol so a
	// signature produced for another purpose never verifies as a record.
	sigContextRecord = "nectar.record.v1"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid ed25519 private key")
	ErrKeyPairMismatch   = errors.New("signing keypair mismatch")
)

type KeyPair struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate signing key: %w", err)
	}
	return KeyPair{Priv: priv, Pub: pub}, nil
}

func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, ErrInvalidPrivateKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return KeyPair{}, ErrInvalidPrivateKey
	}
	return KeyPair{Priv: priv, Pub: pub}, nil
}

// KeysDir is where LoadOrCreateKeyPair keeps the key pair under dir.
func KeysDir(dir string) string {
	return filepath.Join(dir, keysDir)
}

func PublicKeyPath(dir string) string {
	return filepath.Join(dir, keysDir, signingPubKeyName)
}

func (kp KeyPair) String() string {
	return hex.EncodeToString(kp.Pub)
}

// Sign signs a record digest.
func Sign(priv ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return priv.Sign(nil, digest, &ed25519.Options{Context: sigContextRecord})
}

// Verify reports whether sig is a valid record signature over digest. Malformed
// keys and signatures verify as false.
func Verify(pub ed25519.PublicKey, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.VerifyWithOptions(pub, digest, sig, &ed25519.Options{Context: sigContextRecord}) == nil
}

func LoadKeyPair(dir string) (KeyPair, error) {
	privRaw, err := os.ReadFile(filepath.Join(dir, keysDir, signingKeyName))
	if err != nil {
		return KeyPair{}, err
	}

	pubRaw, err := os.ReadFile(filepath.Join(dir, keysDir, signingPubKeyName))
	if err != nil {
		return KeyPair{}, err
	}

	privBlock, _ := pem.Decode(privRaw)
	if privBlock == nil || privBlock.Type != pemTypePriv {
		return KeyPair{}, errors.New("invalid signing private key PEM")
	}
	kp, err := KeyPairFromSeed(privBlock.Bytes)
	if err != nil {
		return KeyPair{}, err
	}

	pubBlock, _ := pem.Decode(pubRaw)
	if pubBlock == nil || pubBlock.Type != pemTypePub {
		return KeyPair{}, errors.New("invalid signing public key PEM")
	}
	if len(pubBlock.Bytes) != ed25519.PublicKeySize {
		return KeyPair{}, errors.New("invalid signing public key length")
	}
	if !bytes.Equal(kp.Pub, pubBlock.Bytes) {
		return KeyPair{}, ErrKeyPairMismatch
	}

	return kp, nil
}

func LoadOrCreateKeyPair(dir string) (KeyPair, error) {
	kp, err := LoadKeyPair(dir)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}

	if err := os.MkdirAll(filepath.Join(dir, keysDir), keyDirPerm); err != nil {
		return KeyPair{}, fmt.Errorf("create keys dir: %w", err)
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}

	if err := writePEM(filepath.Join(dir, keysDir, signingKeyName), pemTypePriv, kp.Priv.Seed()); err != nil {
		return KeyPair{}, err
	}
	if err := writePEM(filepath.Join(dir, keysDir, signingPubKeyName), pemTypePub, kp.Pub); err != nil {
		return KeyPair{}, err
	}

	return kp, nil
}

func writePEM(path, blockType string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, keyFilePerm)
	if err != nil {
		return err
	}

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: b}); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}
