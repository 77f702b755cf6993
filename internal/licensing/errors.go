package licensing

import "errors"

// Licensing errors. Handlers map these to stable machine-readable reasons
// via ReasonFor so clients branch on semantics, not message text.
var (
	ErrValidation       = errors.New("invalid input")
	ErrRateLimited      = errors.New("too many activation attempts")
	ErrQuotaExceeded    = errors.New("device limit reached")
	ErrLicenseInactive  = errors.New("license is not active")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrDeviceNotFound   = errors.New("device binding not found")
	ErrTokenMalformed   = errors.New("malformed token")
	ErrTokenSignature   = errors.New("token signature invalid")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenRevoked     = errors.New("token has been revoked")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Reason is a stable machine-readable failure code.
type Reason string

const (
	ReasonValidation       Reason = "validation_error"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonLicenseInactive  Reason = "license_inactive"
	ReasonLicenseExpired   Reason = "license_expired"
	ReasonLicenseSuspended Reason = "license_suspended"
	ReasonCustomerNotFound Reason = "customer_not_found"
	ReasonDeviceNotFound   Reason = "device_not_found"
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonRevoked          Reason = "revoked"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonInternal         Reason = "internal_error"
)

// ReasonFor maps an error to its machine-readable reason code.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	case errors.Is(err, ErrLicenseInactive):
		return ReasonLicenseInactive
	case errors.Is(err, ErrCustomerNotFound):
		return ReasonCustomerNotFound
	case errors.Is(err, ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, ErrTokenMalformed), errors.Is(err, ErrTokenSignature):
		return ReasonInvalidToken
	case errors.Is(err, ErrTokenRevoked):
		return ReasonRevoked
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	default:
		return ReasonInternal
	}
}

// Retryable reports whether the failure is transient and safe to retry
// with backoff. Business-rule failures are never retried internally.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
