//go:build darwin

package goble

import "github.com/go-ble/ble/darwin"

func newPlatformRadio() (Radio, error) {
	return darwin.NewDevice()
}
