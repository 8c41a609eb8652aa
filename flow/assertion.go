package flow

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/curtismu7/oauth-playground/faults"
)

// assertionLifetime bounds how long a client assertion stays valid.
// Assertions are minted per request, so a short window is enough.
const assertionLifetime = 5 * time.Minute

// clientAssertionType is the assertion type URN for JWT client authentication
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAssertion mints a signed JWT authenticating the client to the
// token or PAR endpoint. The audience is the endpoint the assertion is
// presented to. client_secret_jwt signs with HS256 over the client
// secret, private_key_jwt with RS256 over the configured private key.
func ClientAssertion(creds Credentials, audience string) (string, error) {
	if audience == "" {
		return "", faults.New(faults.CategoryConfiguration, "assertion audience is required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": creds.ClientID,
		"sub": creds.ClientID,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}

	switch creds.EffectiveAuthMethod() {
	case AuthMethodClientSecretJWT:
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(creds.ClientSecret))
		if err != nil {
			return "", faults.Wrap(err, faults.CategoryConfiguration, "signing client assertion")
		}
		return signed, nil
	case AuthMethodPrivateKeyJWT:
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		if creds.PrivateKeyID != "" {
			token.Header["kid"] = creds.PrivateKeyID
		}
		signed, err := token.SignedString(creds.PrivateKey)
		if err != nil {
			return "", faults.Wrap(err, faults.CategoryConfiguration, "signing client assertion")
		}
		return signed, nil
	default:
		return "", faults.New(faults.CategoryConfiguration,
			"auth method "+string(creds.EffectiveAuthMethod())+" does not use client assertions")
	}
}
