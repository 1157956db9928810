package token

import "errors"

// ErrCodeInvalidOrExpired reports an authorization-code exchange that failed
// with no recoverable existing integration. Callers should prompt the user
// to reconnect.
var ErrCodeInvalidOrExpired = errors.New("authorization code invalid or expired")

// ErrReauthorizationRequired reports a refresh token the provider no longer
// accepts. The integration is deactivated and the failure is never retried
// automatically; only new user consent can recover.
var ErrReauthorizationRequired = errors.New("reauthorization required")

// ErrPermissionDenied reports a principal that lacks the rights to own the
// requested integration scope.
var ErrPermissionDenied = errors.New("permission denied")
