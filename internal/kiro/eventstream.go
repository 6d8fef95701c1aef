package kiro

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
)

var (
	ErrInvalidPreludeCRC = errors.New("invalid prelude CRC")
	ErrInvalidMessageCRC = errors.New("invalid message CRC")
	ErrInvalidHeaderType = errors.New("invalid header type")
	// ErrBufferOverflow indicates the buffer exceeded maximum size.
	ErrBufferOverflow = errors.New("event stream buffer overflow")
)

const (
	initialBufferCap = 8192
	// maxBufferSize bounds the decoder's internal buffer so a malformed or
	// runaway upstream frame cannot grow memory without limit.
	maxBufferSize = 1024 * 1024
	preludeLen    = 12
)

// decoderPool provides reusable Decoder instances to reduce GC pressure.
var decoderPool = sync.Pool{
	New: func() interface{} {
		return &Decoder{buffer: make([]byte, 0, initialBufferCap)}
	},
}

// AcquireDecoder gets a Decoder from the pool. Call ReleaseDecoder when done.
func AcquireDecoder() *Decoder {
	return decoderPool.Get().(*Decoder)
}

// ReleaseDecoder resets d and returns it to the pool.
func ReleaseDecoder(d *Decoder) {
	d.Reset()
	decoderPool.Put(d)
}

// Decoder is a pushed-bytes state machine over the AWS event-stream binary
// framing: Feed appends raw bytes and extracts every complete frame
// currently buffered, leaving any partial trailing frame for the next Feed.
// A Decoder is not safe for concurrent use; one is owned per stream.
type Decoder struct {
	buffer []byte
}

// NewDecoder creates a standalone decoder. Prefer AcquireDecoder/ReleaseDecoder.
func NewDecoder() *Decoder {
	return &Decoder{buffer: make([]byte, 0, initialBufferCap)}
}

// Feed appends data and returns every complete frame extracted so far.
// Partial trailing bytes remain buffered for the next Feed. A non-nil error
// on one frame does not stop decoding of frames already fully buffered;
// callers should log and continue (spec §7: decoder errors are logged and
// skipped, the stream is not aborted).
func (d *Decoder) Feed(data []byte) ([]*AWSEventMessage, error) {
	if len(d.buffer)+len(data) > maxBufferSize {
		return nil, ErrBufferOverflow
	}
	d.buffer = append(d.buffer, data...)

	var messages []*AWSEventMessage
	var firstErr error

	for len(d.buffer) >= preludeLen {
		totalLength := binary.BigEndian.Uint32(d.buffer[0:4])
		headersLength := binary.BigEndian.Uint32(d.buffer[4:8])
		preludeCRC := binary.BigEndian.Uint32(d.buffer[8:12])

		calculatedPreludeCRC := crc32.ChecksumIEEE(d.buffer[0:8])
		if preludeCRC != calculatedPreludeCRC {
			// totalLength can't be trusted once the prelude is corrupt;
			// drop everything buffered and stop.
			d.buffer = d.buffer[:0]
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: expected %x, got %x", ErrInvalidPreludeCRC, calculatedPreludeCRC, preludeCRC)
			}
			break
		}

		if uint32(len(d.buffer)) < totalLength {
			break // partial frame, wait for more bytes
		}

		frame := d.buffer[:totalLength]
		d.buffer = d.buffer[totalLength:]

		messageCRC := binary.BigEndian.Uint32(frame[totalLength-4:])
		calculatedMessageCRC := crc32.ChecksumIEEE(frame[:totalLength-4])
		if messageCRC != calculatedMessageCRC {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: expected %x, got %x", ErrInvalidMessageCRC, calculatedMessageCRC, messageCRC)
			}
			continue
		}

		headersEnd := preludeLen + headersLength
		headers, err := parseHeaders(frame[preludeLen:headersEnd])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to parse headers: %w", err)
			}
			continue
		}

		payload := frame[headersEnd : totalLength-4]
		payloadCopy := make([]byte, len(payload))
		copy(payloadCopy, payload)

		messages = append(messages, &AWSEventMessage{Headers: headers, Payload: payloadCopy})
	}

	return messages, firstErr
}

func parseHeaders(data []byte) (map[string]HeaderValue, error) {
	headers := make(map[string]HeaderValue)
	reader := bytes.NewReader(data)

	for reader.Len() > 0 {
		nameLenByte, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read header name length: %w", err)
		}
		nameLen := int(nameLenByte)

		name := make([]byte, nameLen)
		if _, err := reader.Read(name); err != nil {
			return nil, fmt.Errorf("failed to read header name: %w", err)
		}

		headerType, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read header type: %w", err)
		}

		var value string
		switch headerType {
		case HeaderTypeString:
			var valueLen uint16
			if err := binary.Read(reader, binary.BigEndian, &valueLen); err != nil {
				return nil, fmt.Errorf("failed to read header value length: %w", err)
			}
			valueBytes := make([]byte, valueLen)
			if _, err := reader.Read(valueBytes); err != nil {
				return nil, fmt.Errorf("failed to read header value: %w", err)
			}
			value = string(valueBytes)
		default:
			return nil, fmt.Errorf("%w: %d", ErrInvalidHeaderType, headerType)
		}

		headers[string(name)] = HeaderValue{Type: headerType, Value: value}
	}

	return headers, nil
}

// Reset clears the decoder's buffer while retaining capacity for reuse.
func (d *Decoder) Reset() {
	if cap(d.buffer) > maxBufferSize {
		d.buffer = make([]byte, 0, initialBufferCap)
	} else {
		d.buffer = d.buffer[:0]
	}
}
