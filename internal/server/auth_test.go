package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServer_Authorizer_Matrix(t *testing.T) {
	t.Parallel()

	auth := NewAuthorizer(map[string]Grant{
		"full":  {Methods: []string{"getTelemetryData", "getValidatorCountry"}},
		"empty": {},
	})

	require.NoError(t, auth.Authorize("full", "getTelemetryData"))
	require.NoError(t, auth.Authorize("full", "getValidatorCountry"))

	require.ErrorIs(t, auth.Authorize("full", "getOverlaysData"), ErrMethodNotAllowed)
	require.ErrorIs(t, auth.Authorize("empty", "getTelemetryData"), ErrMethodNotAllowed)
	require.ErrorIs(t, auth.Authorize("missing", "getTelemetryData"), ErrUnknownKey)
	require.ErrorIs(t, auth.Authorize("", "getTelemetryData"), ErrUnknownKey)
}

func TestServer_LoadGrants(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "api_keys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"key-1": {"methods": ["getTelemetryData"]},
		"key-2": {"methods": []}
	}`), 0o600))

	grants, err := LoadGrants(path)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	require.Equal(t, []string{"getTelemetryData"}, grants["key-1"].Methods)

	_, err = LoadGrants(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`not json`), 0o600))
	_, err = LoadGrants(bad)
	require.Error(t, err)
}
