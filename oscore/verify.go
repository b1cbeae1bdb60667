package oscore

import (
	"github.com/meshlink/coapcore"
)

// VerifyFailure classifies why an external OSCORE Verifier rejected a
// message, so this package can map it to the correct unprotected error
// response without knowing anything about
// COSE, AEAD or HKDF.
type VerifyFailure int

const (
	// FailureDecodeError covers COSE decode and option-parse failures.
	FailureDecodeError VerifyFailure = iota
	// FailureContextNotFound means the kid does not resolve to a known
	// security context.
	FailureContextNotFound
	// FailureReplay means the Partial-IV fell outside the recipient
	// replay window.
	FailureReplay
	// FailureEchoNeeded means this is the first request seen after
	// reboot and a replay-defense challenge is required before the
	// request can be trusted.
	FailureEchoNeeded
	// FailureIntegrity covers AEAD decryption/integrity failures of
	// unknown cause.
	FailureIntegrity
)

// Verifier is the external capability that performs the actual OSCORE
// cryptography (COSE decode, AEAD decrypt, HKDF-derived keys). The core
// only calls it and maps its outcome to a CoAP response.
type Verifier interface {
	// Verify decrypts and authenticates an OSCORE-protected message,
	// returning the plaintext inner message bytes on success.
	Verify(kid []byte, partialIV []byte, ciphertext []byte) (plaintext []byte, err error)
}

// VerifyError wraps a VerifyFailure so callers can carry it through
// errors.As while this package still maps it to a response code.
type VerifyError struct {
	Failure VerifyFailure
	Reason  string
}

func (e *VerifyError) Error() string { return e.Reason }

// ResponseCode maps a VerifyFailure to the CoAP response code the
// server emits for it (RFC 8613 §§7.4, 8.2). These responses are
// always sent unprotected, with Max-Age=0.
func ResponseCode(f VerifyFailure) coap.Code {
	switch f {
	case FailureDecodeError:
		return coap.BadOption
	case FailureContextNotFound, FailureReplay, FailureEchoNeeded:
		return coap.Unauthorized
	default:
		return coap.BadRequest
	}
}

// MapError converts any error returned by a Verifier into the response
// code to emit. An error that is not a *VerifyError is treated as an
// integrity failure of unknown cause (fail-closed default).
func MapError(err error) coap.Code {
	if ve, ok := err.(*VerifyError); ok {
		return ResponseCode(ve.Failure)
	}
	return coap.BadRequest
}
