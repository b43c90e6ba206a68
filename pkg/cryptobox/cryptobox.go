// Package cryptobox authenticates and encrypts packetized data,
// sign-then-encrypt: an ed25519 signature over the plaintext is appended
// and the whole (plaintext ∥ signature) sealed with ChaCha20-Poly1305.
// The symmetric key comes from an X25519 agreement expanded per epoch with
// HKDF-SHA256; epochs rotate on a message count or interval, and the
// opener accepts one epoch of skew to tolerate rotation races.
package cryptobox

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrAuthentication reports a frame that failed authenticated decryption
// or whose embedded signature did not verify. No partial result is ever
// returned.
var ErrAuthentication = errors.New("cryptobox: authentication failed")

const (
	epochLen  = 4
	nonceLen  = chacha20poly1305.NonceSize
	sigLen    = ed25519.SignatureSize
	minSealed = epochLen + nonceLen + sigLen + 16 // 16 = poly1305 tag

	defaultRotateMsgs = 10000
	defaultRotateage  = 10 * time.Minute
)

var hkdfInfo = []byte("link session key v1")

// Config carries the long-lived key material for one peer link.
type Config struct {
	SigningKey ed25519.PrivateKey // ours, signs outbound plaintext
	VerifyKey  ed25519.PublicKey  // peer's, verifies inbound signatures
	KXPrivate  []byte             // ours, 32-byte X25519 scalar
	KXPublic   []byte             // peer's, 32-byte X25519 point

	RotateEveryMsgs uint64        // seal count per epoch, 0 = default
	RotateEvery     time.Duration // epoch age bound, 0 = default
}

// Box is the per-link-session crypto state. Never share one across peers.
type Box struct {
	mu      sync.Mutex
	cfg     Config
	shared  []byte
	epoch   uint32
	highest uint32 // highest epoch accepted on open
	sealed  uint64
	epochAt time.Time
	seal    cipher.AEAD
	open    map[uint32]cipher.AEAD
}

func New(cfg Config) (*Box, error) {
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("cryptobox: signing key of %d bytes", len(cfg.SigningKey))
	}
	if len(cfg.VerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("cryptobox: verify key of %d bytes", len(cfg.VerifyKey))
	}
	shared, err := curve25519.X25519(cfg.KXPrivate, cfg.KXPublic)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: key exchange: %w", err)
	}
	if cfg.RotateEveryMsgs == 0 {
		cfg.RotateEveryMsgs = defaultRotateMsgs
	}
	if cfg.RotateEvery == 0 {
		cfg.RotateEvery = defaultRotateage
	}
	b := &Box{cfg: cfg, shared: shared, epochAt: time.Now(), open: make(map[uint32]cipher.AEAD)}
	if b.seal, err = b.aeadFor(0); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Box) aeadFor(epoch uint32) (cipher.AEAD, error) {
	salt := binary.BigEndian.AppendUint32(nil, epoch)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, b.shared, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("cryptobox: derive epoch %d: %w", epoch, err)
	}
	return chacha20poly1305.New(key)
}

// Seal signs and encrypts plaintext:
// epoch(4) | nonce(12) | aead(plaintext ∥ sig, ad=epoch).
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeRotate(time.Now()); err != nil {
		return nil, err
	}
	sig := ed25519.Sign(b.cfg.SigningKey, plaintext)
	msg := make([]byte, 0, len(plaintext)+sigLen)
	msg = append(msg, plaintext...)
	msg = append(msg, sig...)

	out := make([]byte, epochLen+nonceLen, epochLen+nonceLen+len(msg)+16)
	binary.BigEndian.PutUint32(out[:epochLen], b.epoch)
	if _, err := rand.Read(out[epochLen : epochLen+nonceLen]); err != nil {
		return nil, err
	}
	out = b.seal.Seal(out, out[epochLen:epochLen+nonceLen], msg, out[:epochLen])
	b.sealed++
	return out, nil
}

// Open decrypts and verifies. Any failure yields ErrAuthentication and the
// frame is fully discarded.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < minSealed {
		return nil, ErrAuthentication
	}
	epoch := binary.BigEndian.Uint32(sealed[:epochLen])
	nonce := sealed[epochLen : epochLen+nonceLen]
	ct := sealed[epochLen+nonceLen:]

	b.mu.Lock()
	aead, err := b.openerFor(epoch)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	msg, err := aead.Open(nil, nonce, ct, sealed[:epochLen])
	if err != nil {
		return nil, ErrAuthentication
	}
	if len(msg) < sigLen {
		return nil, ErrAuthentication
	}
	plaintext := msg[:len(msg)-sigLen]
	sig := msg[len(msg)-sigLen:]
	if !ed25519.Verify(b.cfg.VerifyKey, plaintext, sig) {
		return nil, ErrAuthentication
	}
	// Advance the accepted-epoch window only on authenticated frames.
	b.mu.Lock()
	if epoch > b.highest {
		b.highest = epoch
		delete(b.open, epoch-2)
	}
	b.mu.Unlock()
	return plaintext, nil
}

// Epoch reports the current sealing epoch.
func (b *Box) Epoch() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

func (b *Box) openerFor(epoch uint32) (cipher.AEAD, error) {
	// One epoch of forward skew; anything older than highest-1 is stale.
	if epoch > b.highest+1 || epoch+1 < b.highest {
		return nil, ErrAuthentication
	}
	if aead, ok := b.open[epoch]; ok {
		return aead, nil
	}
	aead, err := b.aeadFor(epoch)
	if err != nil {
		return nil, err
	}
	b.open[epoch] = aead
	return aead, nil
}

func (b *Box) maybeRotate(now time.Time) error {
	if b.sealed < b.cfg.RotateEveryMsgs && now.Sub(b.epochAt) < b.cfg.RotateEvery {
		return nil
	}
	aead, err := b.aeadFor(b.epoch + 1)
	if err != nil {
		return err
	}
	b.epoch++
	b.seal = aead
	b.sealed = 0
	b.epochAt = now
	return nil
}

// NewSigningKeypair generates an ed25519 identity.
func NewSigningKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// NewKXKeypair generates an X25519 keypair for session establishment.
func NewKXKeypair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
