// Package sysinfo reads a few facts about the host board.
package sysinfo

import (
	"os"
	"strings"
)

// Default probe locations on a Raspberry Pi.
const (
	DeviceModelPath  = "/proc/device-tree/model"
	BluetoothMACPath = "/sys/class/bluetooth/hci0/address"
)

// Probe reads host information from configurable paths.
type Probe struct {
	ModelPath string
	MACPath   string
}

// Default returns a Probe reading the standard Raspberry Pi locations.
func Default() Probe {
	return Probe{ModelPath: DeviceModelPath, MACPath: BluetoothMACPath}
}

// DeviceModel returns the board model, e.g. "Raspberry Pi 4 Model B Rev 1.4".
// ok is false when the file is missing or empty.
func (p Probe) DeviceModel() (string, bool) {
	return readTrimmed(p.ModelPath)
}

// BluetoothMAC returns the address of the first Bluetooth adapter.
func (p Probe) BluetoothMAC() (string, bool) {
	return readTrimmed(p.MACPath)
}

func readTrimmed(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	// device-tree strings are NUL-terminated
	s := strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
	return s, s != ""
}
