package main

import (
	"dvbserver/internal/backend"
	"dvbserver/internal/backend/linuxdvb"
	"dvbserver/internal/config"
)

func openLinuxDVB(device config.Device) (backend.Device, error) {
	d, err := linuxdvb.Open(device.Adapter, device.Frontend)
	if err != nil {
		return nil, err
	}
	return d, nil
}
