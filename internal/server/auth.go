package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrUnknownKey reports a credential absent from the grant table.
	ErrUnknownKey = errors.New("unknown api key")
	// ErrMethodNotAllowed reports a known credential lacking permission
	// for the requested operation.
	ErrMethodNotAllowed = errors.New("api key not allowed for method")
)

// Grant lists the operation names one credential may invoke.
type Grant struct {
	Methods []string `json:"methods"`
}

// Authorizer checks api keys against the grant table loaded at startup.
type Authorizer struct {
	grants map[string]map[string]struct{}
}

func NewAuthorizer(grants map[string]Grant) *Authorizer {
	m := make(map[string]map[string]struct{}, len(grants))
	for key, grant := range grants {
		methods := make(map[string]struct{}, len(grant.Methods))
		for _, method := range grant.Methods {
			methods[method] = struct{}{}
		}
		m[key] = methods
	}
	return &Authorizer{grants: m}
}

// Authorize returns nil iff the key exists and covers the method.
func (a *Authorizer) Authorize(key, method string) error {
	methods, ok := a.grants[key]
	if !ok {
		return ErrUnknownKey
	}
	if _, ok := methods[method]; !ok {
		return ErrMethodNotAllowed
	}
	return nil
}

// LoadGrants reads the api key file: a JSON object mapping credential to
// {"methods": [...]}.
func LoadGrants(path string) (map[string]Grant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read api key file: %w", err)
	}
	var grants map[string]Grant
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("failed to parse api key file: %w", err)
	}
	return grants, nil
}
