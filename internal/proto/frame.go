// Package proto implements the ASCII wire framing described in the core's
// external interface: TOPIC \x1F ACTION \x1F PART0 \x1F ... \x1E.
package proto

import (
	"bytes"
	"errors"
)

const (
	unitSeparator byte = 0x1F

	// RecordSeparator terminates every wire frame. Exported so packages
	// that accumulate raw frames for coalesced broadcast (internal/registry)
	// can append it without duplicating the wire format's constants.
	RecordSeparator byte = 0x1E
)

const recordSeparator = RecordSeparator

// ErrMalformedFrame is returned by Parse when raw data cannot be split into
// at least a topic and an action.
var ErrMalformedFrame = errors.New("proto: malformed frame")

// Frame is the parsed tuple the core dispatches on. Raw retains the
// original bytes (including the trailing record separator) so RecordHandler
// can replay it verbatim to future subscribers.
type Frame struct {
	Topic  string
	Action string
	Data   []string
	Raw    []byte
}

// Parse splits one wire frame, with or without its trailing record
// separator, into a Frame. Callers are expected to have already split input
// on the record separator (see Split).
func Parse(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSuffix(raw, []byte{recordSeparator})
	if len(trimmed) == 0 {
		return Frame{}, ErrMalformedFrame
	}

	parts := bytes.Split(trimmed, []byte{unitSeparator})
	if len(parts) < 2 {
		return Frame{}, ErrMalformedFrame
	}

	data := make([]string, 0, len(parts)-2)
	for _, p := range parts[2:] {
		data = append(data, string(p))
	}

	full := raw
	if len(full) == 0 || full[len(full)-1] != recordSeparator {
		full = append(append([]byte{}, raw...), recordSeparator)
	}

	return Frame{
		Topic:  string(parts[0]),
		Action: string(parts[1]),
		Data:   data,
		Raw:    full,
	}, nil
}

// Split breaks a stream of concatenated frames (as they arrive from a
// socket, or as accumulated in a subscription's shared broadcast buffer)
// into individual raw frames, each still terminated by the record
// separator.
func Split(stream []byte) [][]byte {
	if len(stream) == 0 {
		return nil
	}

	var frames [][]byte
	start := 0
	for i, b := range stream {
		if b == recordSeparator {
			frames = append(frames, stream[start:i+1])
			start = i + 1
		}
	}
	if start < len(stream) {
		frames = append(frames, stream[start:])
	}
	return frames
}

// Encode builds the raw wire form of a message: topic, action, and any
// number of string parts, terminated by the record separator.
func Encode(topic, action string, parts ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(topic)
	buf.WriteByte(unitSeparator)
	buf.WriteString(action)
	for _, p := range parts {
		buf.WriteByte(unitSeparator)
		buf.WriteString(p)
	}
	buf.WriteByte(recordSeparator)
	return buf.Bytes()
}

// HasTrailingSeparator reports whether frame already ends with the record
// separator, so SubscriptionRegistry.SendToSubscribers can decide whether to
// append one.
func HasTrailingSeparator(frame []byte) bool {
	return len(frame) > 0 && frame[len(frame)-1] == recordSeparator
}
