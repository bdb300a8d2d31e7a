package keyring

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"proofi/trust-engine/internal/trusterr"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultSS58Prefix is the Cere network identifier.
const DefaultSS58Prefix uint16 = 54

const (
	ss58ChecksumLen = 2
	ss58KeyLen      = 32
	ethAddressLen   = 20
)

var (
	ErrInvalidAddress  = fmt.Errorf("%w: invalid address", trusterr.ErrInvalidInput)
	ss58ChecksumPrefix = []byte("SS58PRE")
)

type AddressKind int

const (
	AddressUnknown AddressKind = iota
	AddressSS58
	AddressEthereum
)

func ClassifyAddress(address string) AddressKind {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		if len(address) == 2+2*ethAddressLen {
			if _, err := hex.DecodeString(address[2:]); err == nil {
				return AddressEthereum
			}
		}
		return AddressUnknown
	}
	if _, _, err := DecodeSS58(address); err == nil {
		return AddressSS58
	}
	return AddressUnknown
}

// EncodeSS58 renders a 32-byte public key as a Substrate SS58 address.
func EncodeSS58(publicKey []byte, prefix uint16) (string, error) {
	if len(publicKey) != ss58KeyLen {
		return "", fmt.Errorf("%w: ss58 public key must be %d bytes, got %d", ErrInvalidAddress, ss58KeyLen, len(publicKey))
	}
	var ident []byte
	switch {
	case prefix < 64:
		ident = []byte{byte(prefix)}
	case prefix < 16384:
		first := byte((prefix&0b1111_1100)>>2) | 0b0100_0000
		second := byte(prefix>>8) | byte((prefix&0b11)<<6)
		ident = []byte{first, second}
	default:
		return "", fmt.Errorf("%w: ss58 prefix %d out of range", ErrInvalidAddress, prefix)
	}
	payload := append(append([]byte(nil), ident...), publicKey...)
	sum := ss58Checksum(payload)
	return base58.Encode(append(payload, sum[:ss58ChecksumLen]...)), nil
}

// DecodeSS58 returns the public key and network prefix of an SS58 address.
func DecodeSS58(address string) ([]byte, uint16, error) {
	raw, err := base58.Decode(strings.TrimSpace(address))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) < 1 {
		return nil, 0, ErrInvalidAddress
	}
	var (
		identLen int
		prefix   uint16
	)
	switch {
	case raw[0] < 64:
		identLen = 1
		prefix = uint16(raw[0])
	case raw[0] < 128:
		if len(raw) < 2 {
			return nil, 0, ErrInvalidAddress
		}
		identLen = 2
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0b0011_1111
		prefix = uint16(lower) | uint16(upper)<<8
	default:
		return nil, 0, fmt.Errorf("%w: reserved ss58 prefix", ErrInvalidAddress)
	}
	if len(raw) != identLen+ss58KeyLen+ss58ChecksumLen {
		return nil, 0, fmt.Errorf("%w: unexpected ss58 length %d", ErrInvalidAddress, len(raw))
	}
	payload := raw[:identLen+ss58KeyLen]
	sum := ss58Checksum(payload)
	if !bytes.Equal(sum[:ss58ChecksumLen], raw[identLen+ss58KeyLen:]) {
		return nil, 0, fmt.Errorf("%w: ss58 checksum mismatch", ErrInvalidAddress)
	}
	return append([]byte(nil), raw[identLen:identLen+ss58KeyLen]...), prefix, nil
}

func ss58Checksum(payload []byte) [blake2b.Size]byte {
	return blake2b.Sum512(append(append([]byte(nil), ss58ChecksumPrefix...), payload...))
}

// EthereumAddress derives the EIP-55 checksummed address of an uncompressed
// secp256k1 public key (65 bytes, 0x04 prefix).
func EthereumAddress(uncompressed []byte) (string, error) {
	if len(uncompressed) != 65 || uncompressed[0] != 0x04 {
		return "", fmt.Errorf("%w: expected 65-byte uncompressed secp256k1 key", ErrInvalidAddress)
	}
	digest := keccak256(uncompressed[1:])
	return checksumEthereum(digest[len(digest)-ethAddressLen:]), nil
}

func checksumEthereum(addr []byte) string {
	lower := hex.EncodeToString(addr)
	hash := keccak256([]byte(lower))
	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && c <= 'f' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
