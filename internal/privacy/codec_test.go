package privacy

import (
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSalt(b byte) []byte {
	salt := make([]byte, SaltSize)
	for i := range salt {
		salt[i] = b
	}
	return salt
}

func TestPrivacy_Codec_HashOrigin_Deterministic(t *testing.T) {
	t.Parallel()

	c, err := NewCodec(slog.Default(), testSalt(1), nil, nil)
	require.NoError(t, err)

	h1 := c.HashOrigin("1.2.3.4")
	h2 := c.HashOrigin("1.2.3.4")
	require.Equal(t, h1, h2)

	// Hex-encoded 32-byte digest.
	require.Len(t, h1, 64)
	_, err = hex.DecodeString(h1)
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(h1), h1)
}

func TestPrivacy_Codec_HashOrigin_DistinctEndpoints(t *testing.T) {
	t.Parallel()

	c, err := NewCodec(slog.Default(), testSalt(1), nil, nil)
	require.NoError(t, err)

	require.NotEqual(t, c.HashOrigin("1.2.3.4"), c.HashOrigin("5.6.7.8"))
	require.NotEqual(t, c.HashOrigin("1.2.3.4"), c.HashOrigin("1.2.3.40"))
}

func TestPrivacy_Codec_HashOrigin_SaltChangesOutput(t *testing.T) {
	t.Parallel()

	c1, err := NewCodec(slog.Default(), testSalt(1), nil, nil)
	require.NoError(t, err)
	c2, err := NewCodec(slog.Default(), testSalt(2), nil, nil)
	require.NoError(t, err)

	require.NotEqual(t, c1.HashOrigin("1.2.3.4"), c2.HashOrigin("1.2.3.4"))
}

func TestPrivacy_Codec_RejectsBadSalt(t *testing.T) {
	t.Parallel()

	_, err := NewCodec(slog.Default(), []byte("short"), nil, nil)
	require.Error(t, err)

	_, err = NewCodec(nil, testSalt(1), nil, nil)
	require.Error(t, err)
}

func TestPrivacy_Codec_Enrich_NoDatabases(t *testing.T) {
	t.Parallel()

	c, err := NewCodec(slog.Default(), testSalt(1), nil, nil)
	require.NoError(t, err)

	country, isp := c.Enrich("1.2.3.4")
	require.Nil(t, country)
	require.Nil(t, isp)
}

func TestPrivacy_Codec_Enrich_UnparsableEndpoint(t *testing.T) {
	t.Parallel()

	c, err := NewCodec(slog.Default(), testSalt(1), nil, nil)
	require.NoError(t, err)

	country, isp := c.Enrich("not-an-ip")
	require.Nil(t, country)
	require.Nil(t, isp)
}

func TestPrivacy_ParseSalt(t *testing.T) {
	t.Parallel()

	raw := testSalt(7)
	salt, err := ParseSalt(hex.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, salt)

	_, err = ParseSalt("zz")
	require.Error(t, err)

	_, err = ParseSalt("abcd")
	require.Error(t, err)
}
