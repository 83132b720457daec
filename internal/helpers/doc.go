// Package helpers provides shared network helpers.
//
// Key utilities:
//   - ClassifyIP / ClassifyAddress: classify an address as public, private,
//     loopback, link-local or unspecified. The risk assessor weighs request
//     origins with it.
//   - IsLoopbackHostname: checks if a hostname represents a loopback address;
//     plain http redirect URIs are only accepted for loopback hosts.
package helpers
