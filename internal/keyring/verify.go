package keyring

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	compactSignatureLen = 65
	schnorrSignatureLen = 64
)

// VerifyAddressSignature checks sig over msg against the signer behind
// address. Ethereum-style addresses are checked by public key recovery;
// SS58 addresses try ed25519 first and then sr25519. It reports which curve
// produced the signature.
func VerifyAddressSignature(address string, msg, sig []byte) (models.Curve, error) {
	address = strings.TrimSpace(address)
	switch ClassifyAddress(address) {
	case AddressEthereum:
		if err := verifySecp256k1(address, msg, sig); err != nil {
			return "", err
		}
		return models.CurveSecp256k1, nil
	case AddressSS58:
		pub, _, err := DecodeSS58(address)
		if err != nil {
			return "", err
		}
		if VerifyEd25519(pub, msg, sig) {
			return models.CurveEd25519, nil
		}
		if VerifySr25519(pub, msg, sig) {
			return models.CurveSr25519, nil
		}
		return "", trusterr.ErrSignatureInvalid
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
}

// VerifyCurveSignature checks sig against address for a known curve.
func VerifyCurveSignature(curve models.Curve, address string, msg, sig []byte) error {
	switch curve {
	case models.CurveSecp256k1:
		return verifySecp256k1(address, msg, sig)
	case models.CurveEd25519, models.CurveSr25519:
		pub, _, err := DecodeSS58(address)
		if err != nil {
			return err
		}
		ok := VerifyEd25519(pub, msg, sig)
		if curve == models.CurveSr25519 {
			ok = VerifySr25519(pub, msg, sig)
		}
		if !ok {
			return trusterr.ErrSignatureInvalid
		}
		return nil
	default:
		return fmt.Errorf("%w: curve %q", trusterr.ErrUnsupportedAlgorithm, curve)
	}
}

func VerifyEd25519(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func VerifySr25519(pub, msg, sig []byte) bool {
	if len(pub) != schnorrkel.PublicKeySize || len(sig) != schnorrSignatureLen {
		return false
	}
	var rawPub [schnorrkel.PublicKeySize]byte
	copy(rawPub[:], pub)
	pk := new(schnorrkel.PublicKey)
	if err := pk.Decode(rawPub); err != nil {
		return false
	}
	var rawSig [schnorrSignatureLen]byte
	copy(rawSig[:], sig)
	s := new(schnorrkel.Signature)
	if err := s.Decode(rawSig); err != nil {
		return false
	}
	ok, err := pk.Verify(s, schnorrkel.NewSigningContext(sr25519Context, msg))
	return err == nil && ok
}

// RecoverEthereumAddress returns the address whose key produced the compact
// signature over keccak256(msg).
func RecoverEthereumAddress(msg, sig []byte) (string, error) {
	if len(sig) != compactSignatureLen {
		return "", fmt.Errorf("%w: secp256k1 signature must be %d bytes", trusterr.ErrSignatureInvalid, compactSignatureLen)
	}
	pub, _, err := ecdsa.RecoverCompact(sig, keccak256(msg))
	if err != nil {
		return "", fmt.Errorf("%w: %v", trusterr.ErrSignatureInvalid, err)
	}
	return EthereumAddress(pub.SerializeUncompressed())
}

func verifySecp256k1(address string, msg, sig []byte) error {
	recovered, err := RecoverEthereumAddress(msg, sig)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, strings.TrimSpace(address)) {
		return trusterr.ErrSignatureInvalid
	}
	return nil
}
