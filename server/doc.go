// Package server implements the OAuth2 trust layer of the gateway.
//
// The Server type combines:
//   - the client registry (RegisterClient, ValidateClient, policy updates)
//   - the token manager (CreateToken, ValidateToken, UseToken, revocation,
//     refresh token rotation, statistics)
//   - the protocol flows (Authorize, Token, Introspect, UserInfo, Revoke)
//   - adaptive security, which scores each authorization request with a
//     RiskAssessor and tightens or relaxes the client's policy
//
// Business rules live here; persistence goes through the storage
// interfaces and HTTP mapping lives in the root package.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(store, store, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.SetIDTokenSigner(server.NewIDTokenSigner(keys, "", srv.Config.Issuer))
package server
