//go:build !linux

package main

import (
	"fmt"
	"os"
)

func listHostPCI(out *os.File) error {
	return fmt.Errorf("PCI enumeration is only supported on Linux")
}
