// Package testutil provides test fixtures shared across packages: a
// controllable clock, random values, PKCE pairs, client fixtures and an HTTP
// request builder that can sign requests the way the gateway expects.
package testutil
