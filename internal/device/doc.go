// Package device defines the sensor-strap vocabulary shared by the fall
// detection core: telemetry channels and samples, the per-channel stream
// state, the connection state variant and the Peripheral contract that a
// Bluetooth stack implementation must satisfy.
//
// Concrete implementations live in sub-packages:
//   - polar: Polar H10 wire formats (heart rate, battery, PMD ECG/ACC frames)
//   - goble: a Peripheral built on github.com/go-ble/ble
package device
