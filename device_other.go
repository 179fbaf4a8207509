//go:build !linux

package main

import (
	"fmt"

	"dvbserver/internal/backend"
	"dvbserver/internal/config"
)

func openLinuxDVB(device config.Device) (backend.Device, error) {
	return nil, fmt.Errorf("%s: the linuxdvb backend needs Linux", device.Name)
}
