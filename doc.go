// Package oauth provides an embeddable OAuth 2.0 authorization server.
//
// It implements the authorization code grant with PKCE (RFC 7636), the device
// authorization grant (RFC 8628), refresh token rotation, the client
// credentials grant, token introspection (RFC 7662), token revocation
// (RFC 7009), dynamic client registration (RFC 7591), and authorization
// server metadata discovery (RFC 8414).
//
// The protocol engine lives in the server package; this package binds it to
// net/http. A minimal setup:
//
//	store := memory.NewStore()
//	srv, err := oauth.NewServer(oauth.Stores{
//	    Clients:  store,
//	    Flows:    store,
//	    Consents: store,
//	    Tokens:   store,
//	    Devices:  store,
//	}, nil, &oauth.Config{Issuer: "https://auth.example.com"}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handler := oauth.NewHandler(srv, nil, nil)
//	handler.UserAuth = mySessionLookup
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//
// Resource-owner authentication is deliberately out of scope: the embedding
// application supplies a UserAuthenticator that resolves the logged-in user
// for the authorization and device-verification pages.
package oauth
