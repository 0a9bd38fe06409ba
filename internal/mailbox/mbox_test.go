package mailbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMboxSplitsMultipleMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	content := "From alice@example.com Mon Jan  1 00:00:00 2026\n" +
		"Subject: one\n\nbody one\n" +
		"From bob@example.com Tue Jan  2 00:00:00 2026\n" +
		"Subject: two\n\n>From not-an-envelope\nbody two\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := OpenMbox(path)
	require.NoError(t, err)
	messages, err := r.Messages()
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Contains(t, string(messages[0].Raw), "Subject: one")
	require.Contains(t, string(messages[1].Raw), "From not-an-envelope")
	require.NotContains(t, string(messages[1].Raw), ">From not-an-envelope")
}

func TestAppendMboxEscapesFromLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbox")
	raw := []byte("Subject: x\n\nFrom the body, not an envelope\n")
	require.NoError(t, AppendMbox(path, "From nobody Mon Jan  1 00:00:00 2026", raw))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), ">From the body")
}
