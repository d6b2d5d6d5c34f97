// Package dedupe remembers recently seen keys so duplicate frames can be
// dropped within a configurable window.
//
// The gateway marks each permission_response by session and request id;
// a second answer for the same request within DefaultTTL is ignored before
// it reaches the session manager.
package dedupe
