// Package pingone derives the endpoint surface of a PingOne environment,
// either statically from the region and environment ID or by fetching the
// issuer's discovery document.
package pingone

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Region is a PingOne control-plane region
type Region string

// Supported regions
const (
	RegionNorthAmerica Region = "na"
	RegionEurope       Region = "eu"
	RegionAsiaPacific  Region = "ap"
	RegionCanada       Region = "ca"
)

func (r Region) withDefault() Region {
	if r == "" {
		return RegionNorthAmerica
	}
	return r
}

func (r Region) tld() (string, bool) {
	switch r {
	case RegionNorthAmerica:
		return "com", true
	case RegionEurope:
		return "eu", true
	case RegionAsiaPacific:
		return "asia", true
	case RegionCanada:
		return "ca", true
	}
	return "", false
}

// Environment identifies one PingOne environment
type Environment struct {
	// EnvironmentID is the PingOne environment UUID
	EnvironmentID string

	// Region selects the regional domain. Empty defaults to North America.
	// Ignored when AuthDomain is set.
	Region Region

	// AuthDomain overrides the regional domain with a custom auth domain,
	// for example auth.example.com. Custom domains are bound to a single
	// environment, so the environment ID is dropped from the path.
	AuthDomain string
}

// Validate checks the environment configuration
func (e Environment) Validate() error {
	if e.EnvironmentID == "" {
		return errors.New("pingone: environment ID is required")
	}
	if e.AuthDomain == "" {
		if _, ok := e.Region.withDefault().tld(); !ok {
			return fmt.Errorf("pingone: unknown region %q", e.Region)
		}
	}
	return nil
}

func (e Environment) baseURL() string {
	if e.AuthDomain != "" {
		return "https://" + e.AuthDomain + "/as"
	}
	tld, _ := e.Region.withDefault().tld()
	return "https://auth.pingone." + tld + "/" + e.EnvironmentID + "/as"
}

// Endpoints is the endpoint set of one environment's authorization server
type Endpoints struct {
	Issuer              string
	Authorization       string
	Token               string
	DeviceAuthorization string
	PushedAuthorization string
	UserInfo            string
	JWKS                string
	Revocation          string
}

// Endpoints returns the static endpoint set derived from the environment.
// The scheme follows the PingOne path layout; Diff can cross-check the
// result against a fetched discovery document.
func (e Environment) Endpoints() (Endpoints, error) {
	if err := e.Validate(); err != nil {
		return Endpoints{}, err
	}
	base := e.baseURL()
	return Endpoints{
		Issuer:              base,
		Authorization:       base + "/authorize",
		Token:               base + "/token",
		DeviceAuthorization: base + "/device_authorization",
		PushedAuthorization: base + "/par",
		UserInfo:            base + "/userinfo",
		JWKS:                base + "/jwks",
		Revocation:          base + "/revoke",
	}, nil
}

// OAuth2 returns the endpoint pair in the form the oauth2 package consumes
func (e Endpoints) OAuth2() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  e.Authorization,
		TokenURL: e.Token,
	}
}

// Diff compares the static endpoints against a discovery document and
// returns the names of endpoints that disagree. Empty document fields are
// skipped, since providers omit endpoints for features they have disabled.
func (e Endpoints) Diff(doc *Document) []string {
	var mismatched []string
	compare := []struct {
		name       string
		static     string
		discovered string
	}{
		{"issuer", e.Issuer, doc.Issuer},
		{"authorization_endpoint", e.Authorization, doc.AuthorizationEndpoint},
		{"token_endpoint", e.Token, doc.TokenEndpoint},
		{"device_authorization_endpoint", e.DeviceAuthorization, doc.DeviceAuthorizationEndpoint},
		{"pushed_authorization_request_endpoint", e.PushedAuthorization, doc.PushedAuthorizationRequestEndpoint},
		{"userinfo_endpoint", e.UserInfo, doc.UserInfoEndpoint},
		{"jwks_uri", e.JWKS, doc.JWKSUri},
	}
	for _, c := range compare {
		if c.discovered != "" && c.discovered != c.static {
			mismatched = append(mismatched, c.name)
		}
	}
	return mismatched
}
