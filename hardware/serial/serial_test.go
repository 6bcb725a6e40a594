package serial

import (
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIsTimeout(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(errors.Annotate(ErrTimeout, "tick")))
	assert.False(t, IsTimeout(unix.EIO))
	assert.False(t, IsTimeout(nil))
}

func TestOpenUnsupportedBaud(t *testing.T) {
	t.Parallel()
	_, err := Open("/dev/null", Options{Baud: 12345})
	require.Error(t, err)
	assert.True(t, errors.IsNotSupported(err))
	assert.True(t, SupportedBaud(19200))
	assert.False(t, SupportedBaud(12345))
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()
	_, err := Open("/nonexistent/ttyUSB99", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttyUSB99")
}

// openPty returns master fd and slave path, skips test when pty is not available.
func openPty(t testing.TB) (int, string) {
	master, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	if err = unix.IoctlSetPointerInt(master, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(master)
		t.Skipf("pty unlock: %v", err)
	}
	n, err := unix.IoctlGetInt(master, unix.TIOCGPTN)
	if err != nil {
		unix.Close(master)
		t.Skipf("pty number: %v", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n)
}

func TestPortPty(t *testing.T) {
	t.Parallel()
	master, slave := openPty(t)
	defer unix.Close(master)

	p, err := Open(slave, Options{Baud: 19200, ReadTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, slave, p.Path())

	n, err := p.Buffered()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	buf := make([]byte, 64)
	begin := time.Now()
	_, err = p.Read(buf)
	assert.True(t, IsTimeout(err), "err=%v", err)
	assert.True(t, time.Since(begin) >= 50*time.Millisecond)

	_, err = unix.Write(master, []byte("\r\nV\t12560"))
	require.NoError(t, err)
	deadline := time.Now().Add(time.Second)
	for n == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		n, err = p.Buffered()
		require.NoError(t, err)
	}
	require.True(t, n > 0)
	got, err := p.Read(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "\r\nV\t12560"[:got], string(buf[:got]))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
