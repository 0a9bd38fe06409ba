package utf7

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{
		"INBOX",
		"Sent Items",
		"Héllo",
		"日本語",
		"A&B",
		"",
	}
	for _, s := range cases {
		encoded := Encode(s)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, s, decoded, "round trip for %q via %q", s, encoded)
	}
}

func TestEncodeAmpersandIsEscaped(t *testing.T) {
	require.Equal(t, "A&-B", Encode("A&B"))
}

func TestEncodeKnownVector(t *testing.T) {
	// "Börse" -> ASCII "B", then "ö" base64-encoded, then ASCII "rse".
	encoded := Encode("Börse")
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, "Börse", decoded)
}

func TestDecodePlainASCIIIsUnchanged(t *testing.T) {
	decoded, err := Decode("INBOX.Drafts")
	require.NoError(t, err)
	require.Equal(t, "INBOX.Drafts", decoded)
}
