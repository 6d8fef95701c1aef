package kiro

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// encodeFrame builds one AWS event-stream binary frame for the given
// headers and payload, matching the wire format Decoder.Feed expects.
func encodeFrame(t *testing.T, headers map[string]string, payload []byte) []byte {
	t.Helper()

	var headerBuf bytes.Buffer
	for name, value := range headers {
		headerBuf.WriteByte(byte(len(name)))
		headerBuf.WriteString(name)
		headerBuf.WriteByte(HeaderTypeString)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
		headerBuf.Write(lenBuf[:])
		headerBuf.WriteString(value)
	}
	headersLen := uint32(headerBuf.Len())
	totalLen := preludeLen + headersLen + uint32(len(payload)) + 4 // +4 for trailing message CRC

	var frame bytes.Buffer
	var totalLenBuf, headersLenBuf [4]byte
	binary.BigEndian.PutUint32(totalLenBuf[:], totalLen)
	binary.BigEndian.PutUint32(headersLenBuf[:], headersLen)
	frame.Write(totalLenBuf[:])
	frame.Write(headersLenBuf[:])

	preludeCRC := crc32.ChecksumIEEE(frame.Bytes())
	var preludeCRCBuf [4]byte
	binary.BigEndian.PutUint32(preludeCRCBuf[:], preludeCRC)
	frame.Write(preludeCRCBuf[:])

	frame.Write(headerBuf.Bytes())
	frame.Write(payload)

	messageCRC := crc32.ChecksumIEEE(frame.Bytes())
	var messageCRCBuf [4]byte
	binary.BigEndian.PutUint32(messageCRCBuf[:], messageCRC)
	frame.Write(messageCRCBuf[:])

	return frame.Bytes()
}

func TestDecoderFeedSingleFrame(t *testing.T) {
	headers := map[string]string{
		HeaderMessageType: MessageTypeEvent,
		HeaderEventType:   EventTypeAssistantResponse,
	}
	payload := []byte(`{"content":"hello"}`)
	frame := encodeFrame(t, headers, payload)

	d := NewDecoder()
	messages, err := d.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if messages[0].EventType() != EventTypeAssistantResponse {
		t.Errorf("EventType() = %q, want %q", messages[0].EventType(), EventTypeAssistantResponse)
	}
	if string(messages[0].Payload) != string(payload) {
		t.Errorf("Payload = %q, want %q", messages[0].Payload, payload)
	}
}

func TestDecoderFeedPartialFrameBuffers(t *testing.T) {
	headers := map[string]string{HeaderMessageType: MessageTypeEvent, HeaderEventType: EventTypeToolUse}
	frame := encodeFrame(t, headers, []byte(`{"name":"bash"}`))

	d := NewDecoder()
	split := len(frame) / 2

	messages, err := d.Feed(frame[:split])
	if err != nil {
		t.Fatalf("Feed (partial): %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("got %d messages from a partial frame, want 0", len(messages))
	}

	messages, err = d.Feed(frame[split:])
	if err != nil {
		t.Fatalf("Feed (remainder): %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages after completing the frame, want 1", len(messages))
	}
}

func TestDecoderFeedMultipleFramesInOneCall(t *testing.T) {
	f1 := encodeFrame(t, map[string]string{HeaderMessageType: MessageTypeEvent, HeaderEventType: EventTypeAssistantResponse}, []byte(`{"content":"a"}`))
	f2 := encodeFrame(t, map[string]string{HeaderMessageType: MessageTypeEvent, HeaderEventType: EventTypeAssistantResponse}, []byte(`{"content":"b"}`))

	d := NewDecoder()
	messages, err := d.Feed(append(f1, f2...))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
}

func TestDecoderFeedCorruptPreludeCRCDropsBuffer(t *testing.T) {
	frame := encodeFrame(t, map[string]string{HeaderMessageType: MessageTypeEvent}, []byte(`{}`))
	frame[0] ^= 0xFF // corrupt totalLength, invalidating the prelude CRC

	d := NewDecoder()
	_, err := d.Feed(frame)
	if err == nil {
		t.Fatal("Feed: expected an error for corrupt prelude CRC")
	}
	if len(d.buffer) != 0 {
		t.Errorf("buffer length = %d after corrupt prelude CRC, want 0", len(d.buffer))
	}
}

func TestDecoderFeedCorruptMessageCRCSkipsFrame(t *testing.T) {
	frame := encodeFrame(t, map[string]string{HeaderMessageType: MessageTypeEvent, HeaderEventType: EventTypeAssistantResponse}, []byte(`{"content":"x"}`))
	frame[len(frame)-1] ^= 0xFF // corrupt trailing message CRC only

	d := NewDecoder()
	messages, err := d.Feed(frame)
	if err == nil {
		t.Fatal("Feed: expected an error for corrupt message CRC")
	}
	if len(messages) != 0 {
		t.Errorf("got %d messages from a corrupt-CRC frame, want 0", len(messages))
	}
}

func TestAcquireReleaseDecoderRoundTrip(t *testing.T) {
	d := AcquireDecoder()
	frame := encodeFrame(t, map[string]string{HeaderMessageType: MessageTypeEvent, HeaderEventType: EventTypeAssistantResponse}, []byte(`{"content":"x"}`))
	if _, err := d.Feed(frame); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	ReleaseDecoder(d)

	d2 := AcquireDecoder()
	defer ReleaseDecoder(d2)
	messages, err := d2.Feed(frame)
	if err != nil {
		t.Fatalf("Feed after release/reacquire: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1 (decoder should have been reset)", len(messages))
	}
}

func TestExceptionMessageDecodesToExceptionPayload(t *testing.T) {
	headers := map[string]string{HeaderMessageType: MessageTypeException}
	payload := []byte(`{"message":"boom","type":"ContentLengthExceededException"}`)
	frame := encodeFrame(t, headers, payload)

	d := NewDecoder()
	messages, err := d.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if !messages[0].IsException() {
		t.Error("IsException() = false, want true")
	}

	decoded, err := messages[0].Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	exc, ok := decoded.(*ExceptionPayload)
	if !ok {
		t.Fatalf("Decode() returned %T, want *ExceptionPayload", decoded)
	}
	if exc.Type != "ContentLengthExceededException" {
		t.Errorf("Type = %q, want ContentLengthExceededException", exc.Type)
	}
}
