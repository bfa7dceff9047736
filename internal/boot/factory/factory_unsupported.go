//go:build !(amd64 || arm64)

package factory

import (
	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/boot/unsupported"
)

// ForHost returns the platform matching the host architecture.
func ForHost() boot.Platform {
	return unsupported.New()
}
