package version

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFprintVersion(t *testing.T) {
	var b bytes.Buffer
	FprintVersion(&b)

	require.Equal(t, os.Args[0]+" "+Package+" "+Version+"\n", b.String())
}
