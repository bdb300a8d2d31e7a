package capability

import (
	"encoding/hex"
	"time"
)

const (
	EventTokenIssued      = "capability.token.issued"
	EventTokenExported    = "capability.token.exported"
	EventTokenRevoked     = "capability.token.revoked"
	EventPermissionCheck  = "capability.permission.checked"
	EventMasterKeyRotated = "capability.master_key.rotated"
	EventAgentGrant       = "capability.agent.granted"
)

const (
	ReasonRevoked          = "TOKEN_REVOKED"
	ReasonExpired          = "TOKEN_EXPIRED"
	ReasonNotActive        = "TOKEN_NOT_ACTIVE"
	ReasonNotFound         = "TOKEN_NOT_FOUND"
	ReasonPermissionDenied = "PERMISSION_DENIED"
	ReasonScopeDenied      = "SCOPE_DENIED"
	ReasonSignatureInvalid = "TOKEN_SIGNATURE_INVALID"
	ReasonMalformed        = "TOKEN_MALFORMED"

	// ReasonAttestationRejected marks an agent grant refused before issuance.
	ReasonAttestationRejected = "ATTESTATION_REJECTED"
)

type AuditEvent struct {
	EventType string    `json:"event_type"`
	TokenID   string    `json:"token_id,omitempty"`
	Grantee   string    `json:"grantee,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

func acceptedAudit(eventType, tokenID string, grantee []byte, at time.Time) AuditEvent {
	return AuditEvent{
		EventType: eventType,
		TokenID:   tokenID,
		Grantee:   hex.EncodeToString(grantee),
		Result:    "accepted",
		At:        at,
	}
}

func rejectedAudit(eventType, tokenID string, grantee []byte, reason string, at time.Time) AuditEvent {
	ev := acceptedAudit(eventType, tokenID, grantee, at)
	ev.Result = "rejected"
	ev.Reason = reason
	return ev
}
