//go:build !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/srg/humlink/internal/peripheral"
)

func newPlatformRadio() (Radio, error) {
	return nil, fmt.Errorf("%w: BLE radio on %s", peripheral.ErrUnsupported, runtime.GOOS)
}
