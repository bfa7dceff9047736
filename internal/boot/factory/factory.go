// Package factory selects a boot platform by name or by host architecture.
package factory

import (
	"fmt"
	"sort"

	"github.com/tinyrange/xenbuild/internal/boot"
	"github.com/tinyrange/xenbuild/internal/boot/arm"
	"github.com/tinyrange/xenbuild/internal/boot/unsupported"
	"github.com/tinyrange/xenbuild/internal/boot/x86hvm"
	"github.com/tinyrange/xenbuild/internal/boot/x86pv"
)

var constructors = map[string]func() boot.Platform{
	"arm":         func() boot.Platform { return arm.New() },
	"x86-pv":      func() boot.Platform { return x86pv.New() },
	"x86-hvm":     func() boot.Platform { return x86hvm.New() },
	"unsupported": func() boot.Platform { return unsupported.New() },
}

// New returns a fresh platform for one build. An empty kind selects the
// host default.
func New(kind string) (boot.Platform, error) {
	if kind == "" {
		return ForHost(), nil
	}
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q (known: %v)", kind, Kinds())
	}
	return ctor(), nil
}

// Kinds lists the platform names New accepts.
func Kinds() []string {
	out := make([]string, 0, len(constructors))
	for k := range constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
