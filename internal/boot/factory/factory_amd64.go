//go:build amd64

package factory

import (
	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/boot/x86pv"
)

// ForHost returns the platform matching the host architecture.
func ForHost() boot.Platform {
	return x86pv.New()
}
