// Package storage defines the client and token records of the authorization
// server and the store interfaces that hold them.
//
//   - ClientStore: registered clients with their security policy and
//     request counters
//   - TokenStore: access, refresh and ID tokens and authorization codes
//
// Stores expose read-modify-write operations (UpdateClient, UpdateToken,
// RotateToken) that run a callback under the store's lock, so the business
// rules in package server stay atomic with respect to concurrent validators
// without the store knowing about them.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage with a cleanup loop
//   - storage/mock: function-field mocks for unit tests
package storage
