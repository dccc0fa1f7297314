package credentialpool

// OutcomeKind classifies the result of one upstream attempt (SPEC_FULL.md §4.5).
type OutcomeKind string

const (
	OutcomeOK        OutcomeKind = "ok"
	OutcomeRetryable OutcomeKind = "retryable"
	OutcomeFatal     OutcomeKind = "fatal"
)

// RetryableKind is the reason a retryable outcome occurred; it selects the
// backoff schedule applied to the credential's cooldown.
type RetryableKind string

const (
	RetryRateLimited RetryableKind = "rate_limited"
	RetryServerError RetryableKind = "server_error"
	RetryTransport   RetryableKind = "transport"
)

// FatalKind is the reason a fatal outcome occurred; any fatal outcome
// disables the credential.
type FatalKind string

const (
	FatalUnauthorized      FatalKind = "unauthorized"
	FatalForbidden         FatalKind = "forbidden"
	FatalPermanentlyInvalid FatalKind = "permanently_invalid"
)

// Outcome is the report a caller passes to Settle, exactly once per lease.
type Outcome struct {
	Kind      OutcomeKind
	RetryKind RetryableKind
	FatalKind FatalKind

	TokensIn  int64
	TokensOut int64
}

// OK reports a successful attempt with the observed token counts.
func OK(tokensIn, tokensOut int64) Outcome {
	return Outcome{Kind: OutcomeOK, TokensIn: tokensIn, TokensOut: tokensOut}
}

// Retryable reports a recoverable failure of the given kind.
func Retryable(kind RetryableKind) Outcome {
	return Outcome{Kind: OutcomeRetryable, RetryKind: kind}
}

// Fatal reports an unrecoverable failure that should disable the credential.
func Fatal(kind FatalKind) Outcome {
	return Outcome{Kind: OutcomeFatal, FatalKind: kind}
}
