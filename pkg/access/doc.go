// Package access implements the synchronous access check.
//
// Evaluate is a pure function over a subscription row snapshot, its tier and
// the static attributes of the resource. Checks run in order: subscription
// present, not suspended, premium capability, selected scope, then capacity.
// A resource outside the selected scope is denied whatever allowance is left.
package access
