// Package util provides small string helpers shared by the gateway packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging token values
//   - SplitScopes / JoinScopes: space-delimited OAuth scope handling
package util
