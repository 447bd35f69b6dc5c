// Package daq drives the QuadDAQ four-channel USB sampler: session
// lifecycle (open/start/stop/close plus disconnect), decoding of the bulk
// sample stream, and a registry of currently attached boards.
package daq

import "github.com/seagrayinc/quaddaq/internal/usb"

// VendorProduct is one entry of the accepted-hardware table.
type VendorProduct struct {
	Vendor  uint16
	Product uint16
}

// Supported lists the boards the sampler firmware ships for. Acceptance is
// by vendor/product pair only; anything else on the bus is ignored.
var Supported = []VendorProduct{
	{0x2341, 0x0043}, // Uno R3
	{0x2341, 0x0001}, // Uno
	{0x2A03, 0x0043}, // Uno, M.O. production
}

// Accepts reports whether the device is a supported sampler board.
func Accepts(info usb.DeviceInfo) bool {
	for _, vp := range Supported {
		if info.VendorID == vp.Vendor && info.ProductID == vp.Product {
			return true
		}
	}
	return false
}

// CDC class request used to gate sampling: SET_CONTROL_LINE_STATE with
// DTR|RTS asserted starts the firmware streaming, deasserted stops it.
const (
	controlRequestType  = 0x21
	setControlLineState = 0x22
	lineStateAssert     = 0x0003
	lineStateDeassert   = 0x0000
)
