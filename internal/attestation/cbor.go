package attestation

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"proofi/trust-engine/internal/trusterr"
	"proofi/trust-engine/pkg/models"

	"github.com/fxamacker/cbor/v2"
)

// DecodeCBOR reads an attestation report encoded as a CBOR map with the same
// field names as the JSON form.
func DecodeCBOR(raw []byte) (models.Attestation, error) {
	var att models.Attestation
	if err := cbor.Unmarshal(raw, &att); err != nil {
		return models.Attestation{}, fmt.Errorf("%w: attestation cbor: %v", trusterr.ErrStructureInvalid, err)
	}
	return att, nil
}

func EncodeCBOR(att models.Attestation) ([]byte, error) {
	return cbor.Marshal(att)
}

// NitroDocument is the payload of an AWS Nitro Enclaves attestation
// COSE_Sign1 message.
type NitroDocument struct {
	ModuleID    string         `cbor:"module_id"`
	Digest      string         `cbor:"digest"`
	Timestamp   uint64         `cbor:"timestamp"`
	PCRs        map[int][]byte `cbor:"pcrs"`
	Certificate []byte         `cbor:"certificate"`
	CABundle    [][]byte       `cbor:"cabundle"`
	PublicKey   []byte         `cbor:"public_key,omitempty"`
	UserData    []byte         `cbor:"user_data,omitempty"`
	Nonce       []byte         `cbor:"nonce,omitempty"`
}

type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[any]any
	Payload     []byte
	Signature   []byte
}

// DecodeNitroDocument turns a Nitro COSE_Sign1 attestation into an
// Attestation whose measurement is PCR0. The COSE signature and certificate
// chain are not checked here.
func DecodeNitroDocument(raw []byte) (models.Attestation, NitroDocument, error) {
	var msg coseSign1
	if err := cbor.Unmarshal(raw, &msg); err != nil {
		return models.Attestation{}, NitroDocument{}, fmt.Errorf("%w: cose_sign1: %v", trusterr.ErrStructureInvalid, err)
	}
	var doc NitroDocument
	if err := cbor.Unmarshal(msg.Payload, &doc); err != nil {
		return models.Attestation{}, NitroDocument{}, fmt.Errorf("%w: nitro document: %v", trusterr.ErrStructureInvalid, err)
	}
	pcr0, ok := doc.PCRs[0]
	if !ok || len(pcr0) == 0 {
		return models.Attestation{}, doc, fmt.Errorf("%w: nitro document has no PCR0", trusterr.ErrStructureInvalid)
	}
	return models.Attestation{
		Platform:    models.PlatformNitro,
		Measurement: hex.EncodeToString(pcr0),
		Timestamp:   strconv.FormatUint(doc.Timestamp, 10),
	}, doc, nil
}
