// Package polar implements the Polar H10 wire formats used by the fall
// detector: standard heart rate and battery characteristics, and the Polar
// Measurement Data (PMD) service that streams raw ECG and accelerometer frames.
//
// Technical documentation for the PMD protocol is available from the
// [Polar BLE SDK] repository.
//
// [Polar BLE SDK]: https://github.com/polarofficial/polar-ble-sdk/tree/master/technical_documentation
package polar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// PMD service and characteristic identifiers.
const (
	PMDServiceUUID      = "fb005c80-02e7-f387-1cad-8acd2d8df0c8"
	PMDControlPointUUID = "fb005c81-02e7-f387-1cad-8acd2d8df0c8"
	PMDDataUUID         = "fb005c82-02e7-f387-1cad-8acd2d8df0c8"
)

// Epoch is the PMD timestamp origin, 2000-01-01 00:00:00 UTC.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Command is a PMD control point op code.
type Command uint8

const (
	GetSettings  Command = 1
	StartMeasure Command = 2
	StopMeasure  Command = 3
)

// MeasureType is a PMD measurement stream type.
type MeasureType uint8

const (
	ECGType MeasureType = 0
	PPGType MeasureType = 1
	AccType MeasureType = 2
)

// FrameType is the sub-type of a data frame for a measurement type.
type FrameType uint8

const (
	FrameType0 FrameType = 0
	FrameType1 FrameType = 1
	FrameType2 FrameType = 2

	compressedFrame FrameType = 0x80
)

// SettingType identifies a measurement setting in control point messages.
type SettingType uint8

const (
	SampleRate SettingType = 0
	Resolution SettingType = 1
	Range      SettingType = 2
)

// Setting is a single-valued measurement setting.
type Setting struct {
	Type  SettingType
	Value uint16
}

// Errors reported by the PMD codec.
var (
	ErrShortFrame       = errors.New("pmd frame too short")
	ErrCompressedFrame  = errors.New("compressed pmd frames are not supported")
	ErrUnexpectedFrame  = errors.New("unexpected pmd frame type")
	ErrControlPointFail = errors.New("pmd control point request failed")
)

// Defaults for the H10 streams.
var (
	DefaultECGSettings = []Setting{{SampleRate, 130}, {Resolution, 14}}
	DefaultAccSettings = []Setting{{SampleRate, 200}, {Resolution, 16}, {Range, 8}}
)

const (
	controlResponse = 0xf0

	timeStampOffset = 1
	frameTypeOffset = 9
	dataOffset      = 10
)

// EncodeCommand builds a control point request. Each setting is encoded as
// type, count (always 1) and a little-endian uint16 value.
func EncodeCommand(com Command, measure MeasureType, settings ...Setting) []byte {
	msg := make([]byte, 2, 2+4*len(settings))
	msg[0] = byte(com)
	msg[1] = byte(measure)
	for _, s := range settings {
		msg = append(msg, byte(s.Type), 1)
		msg = binary.LittleEndian.AppendUint16(msg, s.Value)
	}
	return msg
}

// CheckResponse validates a control point response for the given request.
func CheckResponse(resp []byte, com Command, measure MeasureType) error {
	if len(resp) < 4 {
		return fmt.Errorf("%w: short response %#x", ErrControlPointFail, resp)
	}
	if resp[0] != controlResponse || Command(resp[1]) != com || MeasureType(resp[2]) != measure {
		return fmt.Errorf("%w: invalid response %#x", ErrControlPointFail, resp)
	}
	if resp[3] != 0 {
		return fmt.Errorf("%w: status %d", ErrControlPointFail, resp[3])
	}
	return nil
}

// Frame is a decoded PMD data notification.
type Frame struct {
	Type      MeasureType
	FrameType FrameType
	Timestamp time.Time // time of the last sample in the frame
	Samples   [][]float64
}

// DecodeFrame decodes a PMD data notification. ECG frames yield one value per
// sample (uV); accelerometer frames yield x, y, z per sample (mG).
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < dataOffset {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	f := Frame{
		Type:      MeasureType(data[0]),
		FrameType: FrameType(data[frameTypeOffset]),
		Timestamp: Epoch.Add(time.Duration(binary.LittleEndian.Uint64(data[timeStampOffset:]))),
	}
	if f.FrameType&compressedFrame != 0 {
		return f, ErrCompressedFrame
	}
	payload := data[dataOffset:]

	switch f.Type {
	case ECGType:
		if f.FrameType != FrameType0 {
			return f, fmt.Errorf("%w: ecg frame type %d", ErrUnexpectedFrame, f.FrameType)
		}
		for i := 0; i+3 <= len(payload); i += 3 {
			f.Samples = append(f.Samples, []float64{float64(leInt24(payload[i:]))})
		}
	case AccType:
		var width int
		switch f.FrameType {
		case FrameType0:
			width = 1
		case FrameType1:
			width = 2
		case FrameType2:
			width = 3
		default:
			return f, fmt.Errorf("%w: acc frame type %d", ErrUnexpectedFrame, f.FrameType)
		}
		stride := 3 * width
		for i := 0; i+stride <= len(payload); i += stride {
			xyz := make([]float64, 3)
			for axis := 0; axis < 3; axis++ {
				xyz[axis] = float64(leIntN(payload[i+axis*width:], width))
			}
			f.Samples = append(f.Samples, xyz)
		}
	default:
		return f, fmt.Errorf("%w: measurement type %d", ErrUnexpectedFrame, f.Type)
	}
	return f, nil
}

// SampleTimes spreads the frame timestamp back over its samples using the
// stream sample rate in Hz. The last sample carries the frame timestamp.
func (f Frame) SampleTimes(rateHz uint16) []time.Time {
	out := make([]time.Time, len(f.Samples))
	if len(out) == 0 {
		return out
	}
	var period time.Duration
	if rateHz > 0 {
		period = time.Second / time.Duration(rateHz)
	}
	last := len(out) - 1
	for i := range out {
		out[i] = f.Timestamp.Add(-time.Duration(last-i) * period)
	}
	return out
}

func leInt24(b []byte) int32 {
	_ = b[2] // bounds check hint to compiler; see golang.org/issue/14808
	return int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
}

func leIntN(b []byte, width int) int32 {
	switch width {
	case 1:
		return int32(int8(b[0]))
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(b)))
	default:
		return leInt24(b)
	}
}
