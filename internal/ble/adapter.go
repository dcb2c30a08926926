// Package ble owns the GATT side of BLUFI provisioning: the transport
// capability interfaces, the session manager with its reconnect policy, and
// the notification router that delivers each inbound frame to exactly one
// consumer. The BLUFI protocol bytes themselves live in internal/blufi.
package ble

import (
	"context"
	"fmt"
)

// BLUFI GATT identifiers. The command characteristic is write-only from the
// client; the response characteristic notifies toward the client.
const (
	ServiceUUID      = "0000ffff-0000-1000-8000-00805f9b34fb"
	CommandCharUUID  = "0000ff01-0000-1000-8000-00805f9b34fb"
	ResponseCharUUID = "0000ff02-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read reads the characteristic's current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// ConnectionError reports a failure to establish or re-establish the GATT
// link to a device. It is fatal to the current attempt.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ble: connection to %s failed: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
