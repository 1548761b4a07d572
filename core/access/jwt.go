// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/mofreitas/woodwork/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for NewJwtMiddleware
type JwtMiddlewareBuilder struct {
	// Secret is the HS256 signing secret shared with the token issuer.
	Secret string
	// Issuer is the accepted issuer for the token. Empty accepts any issuer.
	Issuer string
}

// Claims are the woodwork token claims. The issuer encodes role, profile
// URN, organization URN and permission codenames alongside the standard
// registered claims.
type Claims struct {
	Role         string   `json:"role"`
	Profile      string   `json:"profile,omitempty"`
	Organization string   `json:"organization,omitempty"`
	Email        string   `json:"email,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// tokens.
//
// Java-Web-Tokens (JWT) are accepted as "Authorization: Bearer" header
// or as "Woodwork-JWT"-cookie.
//
// Requests without a token pass through unauthenticated; the permission
// gate of the individual resource decides whether that is acceptable.
// This is a final handler with regards to the bearer token: it returns
// http.StatusUnauthorized when a token is present but invalid.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {

	if len(jmb.Secret) == 0 {
		panic("jwt middleware: missing signing secret")
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(jmb.Secret), nil
	}

	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			identity := IdentityFromContext(r.Context())

			if auth != nil || len(identity) > 0 { // already authorized or at least authenticated?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			} else if cookie, _ := r.Cookie("Woodwork-JWT"); cookie != nil {
				tokenString = cookie.Value
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			// look up authorization for the token. We cache by tokenString,
			// so a fresh token always enforces a fresh claim validation.
			auth = authCache.Read(tokenString)
			if auth == nil {
				claims := Claims{}
				token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
				if err != nil || !token.Valid || (len(jmb.Issuer) > 0 && claims.Issuer != jmb.Issuer) {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				auth = &Authorization{
					Role:         Role(claims.Role),
					Profile:      claims.Profile,
					Organization: claims.Organization,
					Email:        claims.Email,
					Permissions:  claims.Permissions,
				}
				authCache.Write(tokenString, auth)
			}

			// now that we have authenticated the requester, we store their
			// identity in the context and tag the request logger with it
			identity = auth.Email
			if len(identity) == 0 {
				identity = auth.Profile
			}
			ctx := ContextWithIdentity(r.Context(), identity)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity)
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
