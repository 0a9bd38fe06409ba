package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubNotifier struct{ sent map[string]string }

func (n *stubNotifier) Notify(contact, tempCode string) error {
	if n.sent == nil {
		n.sent = map[string]string{}
	}
	n.sent[contact] = tempCode
	return nil
}

func newTestService(t *testing.T) (*Service, *stubNotifier) {
	t.Helper()
	notifier := &stubNotifier{}
	svc, err := Open(filepath.Join(t.TempDir(), "passcrow.db"), notifier)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, notifier
}

func TestCombineIsCommutative(t *testing.T) {
	a, b := "1111-2222", "8765-4321"
	ab, err := Combine(a, b)
	require.NoError(t, err)
	ba, err := Combine(b, a)
	require.NoError(t, err)
	require.Equal(t, ab, ba)
}

func TestCombineRejectsMismatchedGroups(t *testing.T) {
	_, err := Combine("1111-22", "333-44")
	require.ErrorIs(t, err, ErrGroupMismatch)
}

func TestEndToEndRecoveryScenario(t *testing.T) {
	svc, notifier := newTestService(t)

	id, _, resetCode, err := svc.Register("H", "1111-22-3456", []string{"a@x.tld"})
	require.NoError(t, err)

	_, _, _, err = svc.Register("H", "bad passcode", []string{"a@x.tld"})
	require.ErrorIs(t, err, ErrInvalidPasscode)

	_, _, err = svc.Recover(id+999, resetCode)
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = svc.Recover(id, "wrong-reset-code")
	require.ErrorIs(t, err, ErrWrongResetCode)

	expires, masked, err := svc.Recover(id, resetCode)
	require.NoError(t, err)
	require.False(t, expires.IsZero())
	require.Equal(t, []string{"a*@x*.tld"}, masked)
	require.NotEmpty(t, notifier.sent["a@x.tld"])

	tempCode := notifier.sent["a@x.tld"]
	passcodeB, err := svc.Code(id, resetCode, tempCode)
	require.NoError(t, err)
	require.Equal(t, "1111-22-3456", passcodeB)

	_, err = svc.Code(id, resetCode, "000000")
	require.ErrorIs(t, err, ErrWrongTempCode)
}
