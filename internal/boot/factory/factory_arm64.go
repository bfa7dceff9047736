//go:build arm64

package factory

import (
	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/boot/arm"
)

// ForHost returns the platform matching the host architecture.
func ForHost() boot.Platform {
	return arm.New()
}
