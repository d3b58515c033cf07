package polar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Standard GATT identifiers used by the strap.
const (
	HeartRateServiceUUID     = "180d"
	HeartRateMeasurementUUID = "2a37"
	BatteryServiceUUID       = "180f"
	BatteryLevelUUID         = "2a19"
)

// ErrNoContact is returned when the strap reports that it supports contact
// detection but the electrodes are not touching skin.
var ErrNoContact = errors.New("no sensor contact")

// HeartRate is a decoded Heart Rate Measurement notification.
type HeartRate struct {
	BPM              uint16
	RR               []time.Duration
	Energy           int // kJ, -1 when not present
	Contact          bool
	ContactSupported bool
}

// UnmarshalBinary decodes a Heart Rate Measurement characteristic value.
//
// Flags byte layout:
//
//	| 0x10 | 0x8 | 0x4  0x2 | 0x1 |
//	|  rr  | nrg | scs  cnt | fmt |
func (m *HeartRate) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("heart rate measurement too short: %d bytes", len(data))
	}
	flags := data[0]
	wide := flags&0x01 != 0
	contactSupported := flags&0x04 != 0
	contact := flags&0x06 == 0x06
	energyPresent := flags&0x08 != 0
	rrPresent := flags&0x10 != 0

	if contactSupported && !contact {
		*m = HeartRate{ContactSupported: true, Energy: -1}
		return ErrNoContact
	}

	offset := 1
	var bpm uint16
	if wide {
		if len(data) < offset+2 {
			return fmt.Errorf("heart rate measurement truncated at bpm")
		}
		bpm = binary.LittleEndian.Uint16(data[offset:])
		offset += 2
	} else {
		bpm = uint16(data[offset])
		offset++
	}

	energy := -1
	if energyPresent {
		if len(data) < offset+2 {
			return fmt.Errorf("heart rate measurement truncated at energy")
		}
		energy = int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	}

	var rr []time.Duration
	if rrPresent {
		rrData := data[offset:]
		rr = make([]time.Duration, 0, len(rrData)/2)
		for i := 0; i+1 < len(rrData); i += 2 {
			rr = append(rr, time.Duration(binary.LittleEndian.Uint16(rrData[i:]))*time.Second/1024)
		}
	}

	*m = HeartRate{
		BPM:              bpm,
		RR:               rr,
		Energy:           energy,
		Contact:          contact,
		ContactSupported: contactSupported,
	}
	return nil
}

// Values flattens the measurement into sample values: bpm followed by the
// RR intervals in milliseconds.
func (m HeartRate) Values() []float64 {
	out := make([]float64, 0, 1+len(m.RR))
	out = append(out, float64(m.BPM))
	for _, rr := range m.RR {
		out = append(out, float64(rr)/float64(time.Millisecond))
	}
	return out
}

// DecodeBattery decodes a Battery Level characteristic value (percent).
func DecodeBattery(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("battery level is empty")
	}
	level := int(data[0])
	if level > 100 {
		return 0, fmt.Errorf("battery level out of range: %d", level)
	}
	return level, nil
}
