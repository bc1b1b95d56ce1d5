package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfofWritesLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Infof("merged %d ranges", 7)
	require.Equal(t, "merged 7 ranges\n", buf.String())
}

func TestPathfStripsRedactionMarkers(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Pathf("archiving output to %s", "/var/lib/thin-merge/out.bin")
	require.Equal(t, "archiving output to /var/lib/thin-merge/out.bin\n", buf.String())
}

func TestFatalPrefixesMessage(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Fatal(require.AnError)
	require.Contains(t, buf.String(), "thin_merge:")
}
