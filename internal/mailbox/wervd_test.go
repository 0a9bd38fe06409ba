package mailbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

func TestCarriesMarkerDetectsHeader(t *testing.T) {
	raw := []byte("Subject: hi\r\nX-Moggie-Encrypted-Data: v1\r\n\r\nciphertext-blob\r\n")
	require.True(t, carriesMarker(raw))

	plain := []byte("Subject: hi\r\n\r\nplaintext body\r\n")
	require.False(t, carriesMarker(plain))
}

func TestEncryptDecryptWervdBodyRoundTrip(t *testing.T) {
	key := cryptutil.HashConfigKey([]byte("wervd-test-key"))
	seed, err := cryptutil.NewNonceSeed()
	require.NoError(t, err)

	raw := []byte("Subject: hello\r\nFrom: a@example.com\r\n\r\nThis is the body.\r\n")
	encrypted, err := EncryptForWervd(key, seed, raw)
	require.NoError(t, err)
	require.True(t, carriesMarker(encrypted))
	require.Contains(t, string(encrypted), "Subject: hello")

	decrypted, err := decryptWervdBody([]cryptutil.MasterKey{key}, encrypted)
	require.NoError(t, err)
	require.Contains(t, string(decrypted), "This is the body.")
}

func TestDecryptWervdBodyFailsWithWrongKey(t *testing.T) {
	key := cryptutil.HashConfigKey([]byte("right-key"))
	wrong := cryptutil.HashConfigKey([]byte("wrong-key"))
	seed, err := cryptutil.NewNonceSeed()
	require.NoError(t, err)

	raw := []byte("Subject: hi\r\n\r\nsecret body\r\n")
	encrypted, err := EncryptForWervd(key, seed, raw)
	require.NoError(t, err)

	_, err = decryptWervdBody([]cryptutil.MasterKey{wrong}, encrypted)
	require.Error(t, err)
}
