//go:build linux

package privcmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinyrange/xenbuild/internal/xen"
)

func TestOpenWithoutDriver(t *testing.T) {
	_, err := Open(Options{PrivcmdPath: filepath.Join(t.TempDir(), "privcmd")})
	assert.ErrorIs(t, err, xen.ErrTransportUnsupported)
}
