package cli

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunLines(t *testing.T) {
	t.Parallel()
	input := "open /dev/ttyUSB0\n\n  read 100  \n# comment\nclose"
	lines := []string{}
	err := RunLines(bufio.NewScanner(strings.NewReader(input)), func(line string) { lines = append(lines, line) })
	assert.NoError(t, err)
	assert.Equal(t, []string{"open /dev/ttyUSB0", "read 100", "close"}, lines)
}
