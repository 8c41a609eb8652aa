package flow

import (
	"net/url"
	"strconv"

	"github.com/curtismu7/oauth-playground/faults"
)

// CallbackData is the parameter set a provider delivered to the redirect
// URI, normalized across query, fragment, and form_post transport
type CallbackData struct {
	// Code is the authorization code, present on code and hybrid responses
	Code string

	// State echoes the state the request carried
	State string

	// IDToken is present on implicit and hybrid OIDC responses
	IDToken string

	// AccessToken, TokenType, and ExpiresIn are present when the response
	// type put a token on the front channel
	AccessToken string
	TokenType   string
	ExpiresIn   int

	// Error and ErrorDescription carry the provider's wire error, if any
	Error            string
	ErrorDescription string

	// Raw holds every parameter the provider sent
	Raw url.Values
}

// Err converts a provider wire error on the callback into a classified
// error, or returns nil when the callback carries no error
func (d *CallbackData) Err() error {
	if d == nil || d.Error == "" {
		return nil
	}
	return faults.FromWireCode(d.Error, d.ErrorDescription)
}

// ParseCallback extracts callback data from a redirect URL. The mode
// selects where to look: query responses carry parameters in the query
// string, fragment responses behind the # separator. An empty mode checks
// the query first and falls back to the fragment, which suits manual
// paste-the-URL workflows where the mode is not recorded.
func ParseCallback(rawURL string, mode ResponseMode) (*CallbackData, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryValidation, "invalid callback URL")
	}

	switch mode {
	case ResponseModeQuery:
		return CallbackFromValues(u.Query()), nil
	case ResponseModeFragment:
		vals, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return nil, faults.Wrap(err, faults.CategoryValidation, "invalid callback fragment")
		}
		return CallbackFromValues(vals), nil
	case "":
		if q := u.Query(); hasCallbackParams(q) {
			return CallbackFromValues(q), nil
		}
		vals, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return nil, faults.Wrap(err, faults.CategoryValidation, "invalid callback fragment")
		}
		if !hasCallbackParams(vals) {
			return nil, faults.New(faults.CategoryValidation,
				"callback URL carries no code, token, or error parameters")
		}
		return CallbackFromValues(vals), nil
	default:
		return nil, faults.New(faults.CategoryValidation,
			"cannot parse a callback URL for response mode "+strconv.Quote(string(mode)))
	}
}

// CallbackFromValues normalizes an already-decoded parameter set, as
// delivered by a form_post body or an HTTP handler's request form
func CallbackFromValues(vals url.Values) *CallbackData {
	d := &CallbackData{
		Code:             vals.Get("code"),
		State:            vals.Get("state"),
		IDToken:          vals.Get("id_token"),
		AccessToken:      vals.Get("access_token"),
		TokenType:        vals.Get("token_type"),
		Error:            vals.Get("error"),
		ErrorDescription: vals.Get("error_description"),
		Raw:              vals,
	}
	if raw := vals.Get("expires_in"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			d.ExpiresIn = n
		}
	}
	return d
}

func hasCallbackParams(vals url.Values) bool {
	return vals.Get("code") != "" || vals.Get("access_token") != "" ||
		vals.Get("id_token") != "" || vals.Get("error") != ""
}
