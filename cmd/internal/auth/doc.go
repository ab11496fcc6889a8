// Package auth issues and verifies the PASETO v4.public access tokens that
// gate the messaging HTTP API and the realtime gateway.
//
// Tokens carry two claims: "uid" (the account id) and "utype" (client or
// freelancer). Verification enforces issuer, expiration, and a small clock
// skew tolerance.
package auth
