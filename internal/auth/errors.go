package auth

import "errors"

var (
	// ErrForbidden indicates a missing or unresolvable credential.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrUnknownKey indicates an API key with no account binding.
	ErrUnknownKey = errors.New("auth: unknown api key")
	// ErrUnknownSite indicates a site id with no registered site.
	ErrUnknownSite = errors.New("auth: unknown site")
)
