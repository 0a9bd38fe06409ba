package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunFileintoAddsTag(t *testing.T) {
	script := `require ["fileinto"];
fileinto "Receipts";`
	out, err := Run(script, Message{Headers: map[string]string{"Subject": "Your receipt"}})
	require.NoError(t, err)
	require.Equal(t, []string{"Receipts"}, out.AddTags)
}

func TestRunDiscardRemovesInbox(t *testing.T) {
	out, err := Run(`discard;`, Message{})
	require.NoError(t, err)
	require.Equal(t, []string{"in:inbox"}, out.RemoveTags)
}

func TestRunAddflagAddsKeyword(t *testing.T) {
	out, err := Run(`addflag "\\Flagged";`, Message{})
	require.NoError(t, err)
	require.Equal(t, []string{`\Flagged`}, out.AddKeywords)
}

func TestRunStopHaltsProcessing(t *testing.T) {
	out, err := Run(`fileinto "A"; stop; fileinto "B";`, Message{})
	require.NoError(t, err)
	require.True(t, out.Stop)
	require.Equal(t, []string{"A"}, out.AddTags)
}

func TestRunFileintoWithoutArgumentFails(t *testing.T) {
	_, err := Run(`fileinto;`, Message{})
	require.Error(t, err)
	var ferr *FilterError
	require.ErrorAs(t, err, &ferr)
}
