package keyring

import (
	"crypto/ed25519"
	"fmt"

	"proofi/trust-engine/internal/crypto"
	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// sr25519Context is the signing context Substrate uses for sr25519.
var sr25519Context = []byte("substrate")

// Signer is implemented by exactly the three curve signers in this package.
type Signer interface {
	Curve() models.Curve
	Address() string
	PublicKey() []byte
	SignMessage(msg []byte) ([]byte, error)
	// SignPayload signs the canonical JSON form of payload.
	SignPayload(payload any) (models.SignedPayload, error)

	sealed()
}

func signPayload(s Signer, payload any) (models.SignedPayload, error) {
	msg, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return models.SignedPayload{}, fmt.Errorf("%w: %v", trusterr.ErrInvalidInput, err)
	}
	sig, err := s.SignMessage(msg)
	if err != nil {
		return models.SignedPayload{}, err
	}
	return models.SignedPayload{
		Payload:   msg,
		Signature: sig,
		Address:   s.Address(),
		Curve:     s.Curve(),
	}, nil
}

type Ed25519Signer struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

func newEd25519Signer(seed []byte, ss58Prefix uint16) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed must be %d bytes", trusterr.ErrInvalidInput, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	address, err := EncodeSS58(pub, ss58Prefix)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv, pub: pub, address: address}, nil
}

func (s *Ed25519Signer) Curve() models.Curve { return models.CurveEd25519 }
func (s *Ed25519Signer) Address() string     { return s.address }
func (s *Ed25519Signer) PublicKey() []byte   { return append([]byte(nil), s.pub...) }
func (s *Ed25519Signer) sealed()             {}

func (s *Ed25519Signer) SignMessage(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

func (s *Ed25519Signer) SignPayload(payload any) (models.SignedPayload, error) {
	return signPayload(s, payload)
}

type Sr25519Signer struct {
	secret  *schnorrkel.SecretKey
	pub     [32]byte
	address string
}

func newSr25519Signer(miniSecret []byte, ss58Prefix uint16) (*Sr25519Signer, error) {
	if len(miniSecret) != schnorrkel.MiniSecretKeySize {
		return nil, fmt.Errorf("%w: sr25519 mini secret must be %d bytes", trusterr.ErrInvalidInput, schnorrkel.MiniSecretKeySize)
	}
	var raw [schnorrkel.MiniSecretKeySize]byte
	copy(raw[:], miniSecret)
	mini, err := schnorrkel.NewMiniSecretKeyFromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trusterr.ErrInvalidInput, err)
	}
	pub := mini.Public().Encode()
	address, err := EncodeSS58(pub[:], ss58Prefix)
	if err != nil {
		return nil, err
	}
	return &Sr25519Signer{secret: mini.ExpandEd25519(), pub: pub, address: address}, nil
}

func (s *Sr25519Signer) Curve() models.Curve { return models.CurveSr25519 }
func (s *Sr25519Signer) Address() string     { return s.address }
func (s *Sr25519Signer) PublicKey() []byte   { return append([]byte(nil), s.pub[:]...) }
func (s *Sr25519Signer) sealed()             {}

func (s *Sr25519Signer) SignMessage(msg []byte) ([]byte, error) {
	sig, err := s.secret.Sign(schnorrkel.NewSigningContext(sr25519Context, msg))
	if err != nil {
		return nil, fmt.Errorf("sr25519 sign: %w", err)
	}
	out := sig.Encode()
	return out[:], nil
}

func (s *Sr25519Signer) SignPayload(payload any) (models.SignedPayload, error) {
	return signPayload(s, payload)
}

// Secp256k1Signer produces 65-byte compact recoverable signatures over the
// keccak256 digest of the message, so verifiers only need the address.
type Secp256k1Signer struct {
	priv    *secp256k1.PrivateKey
	pub     []byte
	address string
}

func newSecp256k1Signer(scalar []byte) (*Secp256k1Signer, error) {
	if len(scalar) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: secp256k1 secret must be %d bytes", trusterr.ErrInvalidInput, secp256k1.PrivKeyBytesLen)
	}
	if !validScalar(scalar) {
		return nil, fmt.Errorf("%w: secp256k1 secret is not a valid scalar", trusterr.ErrInvalidInput)
	}
	priv := secp256k1.PrivKeyFromBytes(scalar)
	uncompressed := priv.PubKey().SerializeUncompressed()
	address, err := EthereumAddress(uncompressed)
	if err != nil {
		return nil, err
	}
	return &Secp256k1Signer{priv: priv, pub: priv.PubKey().SerializeCompressed(), address: address}, nil
}

func (s *Secp256k1Signer) Curve() models.Curve { return models.CurveSecp256k1 }
func (s *Secp256k1Signer) Address() string     { return s.address }
func (s *Secp256k1Signer) PublicKey() []byte   { return append([]byte(nil), s.pub...) }
func (s *Secp256k1Signer) sealed()             {}

func (s *Secp256k1Signer) SignMessage(msg []byte) ([]byte, error) {
	return ecdsa.SignCompact(s.priv, keccak256(msg), true), nil
}

func (s *Secp256k1Signer) SignPayload(payload any) (models.SignedPayload, error) {
	return signPayload(s, payload)
}

func validScalar(b []byte) bool {
	var s secp256k1.ModNScalar
	overflow := s.SetByteSlice(b)
	return !overflow && !s.IsZero()
}

// signerFromSecret builds the curve signer for stored secret bytes.
func signerFromSecret(curve models.Curve, secret []byte, ss58Prefix uint16) (Signer, error) {
	switch curve {
	case models.CurveEd25519:
		return newEd25519Signer(secret, ss58Prefix)
	case models.CurveSr25519:
		return newSr25519Signer(secret, ss58Prefix)
	case models.CurveSecp256k1:
		return newSecp256k1Signer(secret)
	default:
		return nil, fmt.Errorf("%w: curve %q", trusterr.ErrUnsupportedAlgorithm, curve)
	}
}
