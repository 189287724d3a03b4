// Package token issues and verifies HMAC-signed subject tokens for Beacon.
//
// A token binds a subject identifier to an expiry:
//
//	base64url(subject) "." unix-expiry "." hex(HMAC-SHA256(subject "|" expiry, key))
//
// The realtime gateway only consumes the verified subject; issuing tokens is the
// job of whichever service authenticated the user.
//
// Policy:
//   - The HMAC key is required and must be at least MinKeyBytes long.
//   - Signatures are compared in constant time.
package token
