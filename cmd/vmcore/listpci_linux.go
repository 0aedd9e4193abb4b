//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/vmcore/internal/host"
)

func listHostPCI(out *os.File) error {
	addrs, err := host.ListPCIDevices()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		dev, err := host.OpenSysfsPCIDevice(addr)
		if err != nil {
			fmt.Fprintf(out, "%s\n", addr)
			continue
		}
		vendor, device, err := dev.VendorDevice()
		if err != nil {
			fmt.Fprintf(out, "%s\n", addr)
			continue
		}
		fmt.Fprintf(out, "%s %04x:%04x\n", addr, vendor, device)
	}
	return nil
}
