package wsframe

import (
	"bytes"
	"testing"
)

func TestDecodeRFCExamples(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		role    Role
		want    *Frame
		wantErr bool
	}{
		{
			name: "unmasked_text_hello",
			buf:  []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f},
			role: RoleServer,
			want: &Frame{Fin: true, Opcode: OpcodeText, Payload: []byte("Hello")},
		},
		{
			name: "masked_text_hello",
			buf:  []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58},
			role: RoleClient,
			want: &Frame{Fin: true, Opcode: OpcodeText, Masked: true, Payload: []byte("Hello")},
		},
		{
			name: "first_fragment_unmasked_text_hel",
			buf:  []byte{0x01, 0x03, 0x48, 0x65, 0x6c},
			role: RoleServer,
			want: &Frame{Opcode: OpcodeText, Payload: []byte("Hel")},
		},
		{
			name: "second_fragment_unmasked_continuation_lo",
			buf:  []byte{0x80, 0x02, 0x6c, 0x6f},
			role: RoleServer,
			want: &Frame{Fin: true, Opcode: OpcodeContinuation, Payload: []byte("lo")},
		},
		{
			name: "unmasked_ping",
			buf:  []byte{0x89, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f},
			role: RoleServer,
			want: &Frame{Fin: true, Opcode: OpcodePing, Payload: []byte("Hello")},
		},
		{
			name: "masked_pong",
			buf:  []byte{0x8a, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58},
			role: RoleClient,
			want: &Frame{Fin: true, Opcode: OpcodePong, Masked: true, Payload: []byte("Hello")},
		},
		{
			name: "256b_unmasked_binary",
			buf:  append([]byte{0x82, 0x7e, 0x01, 0x00}, make([]byte, 256)...),
			role: RoleServer,
			want: &Frame{Fin: true, Opcode: OpcodeBinary, Payload: make([]byte, 256)},
		},
		{
			name: "rsv_bit_set",
			buf:  []byte{0xC1, 0x00},
			role: RoleClient,
			wantErr: true,
		},
		{
			name: "unknown_opcode",
			buf:  []byte{0x83, 0x00},
			role: RoleClient,
			wantErr: true,
		},
		{
			name: "fragmented_control_frame",
			buf:  []byte{0x09, 0x00},
			role: RoleClient,
			wantErr: true,
		},
		{
			name: "masked_frame_from_server",
			buf:  []byte{0x81, 0x80, 0, 0, 0, 0},
			role: RoleServer,
			wantErr: true,
		},
		{
			name: "unmasked_frame_from_client",
			buf:  []byte{0x81, 0x00},
			role: RoleClient,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, n, err := Decode(tt.buf, tt.role)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decode() error = nil, want protocol error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() unexpected error = %v", err)
			}
			if f == nil {
				t.Fatalf("Decode() = need-more-data, want a frame")
			}
			if n != len(tt.buf) {
				t.Errorf("Decode() consumed = %d, want %d", n, len(tt.buf))
			}
			if f.Fin != tt.want.Fin || f.Opcode != tt.want.Opcode || f.Masked != tt.want.Masked {
				t.Errorf("Decode() = %+v, want %+v", f, tt.want)
			}
			if !bytes.Equal(f.Payload, tt.want.Payload) {
				t.Errorf("Decode() payload = %v, want %v", f.Payload, tt.want.Payload)
			}
		})
	}
}

func TestDecodeNeedMoreData(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		role Role
	}{
		{name: "empty", buf: nil, role: RoleServer},
		{name: "one_byte", buf: []byte{0x81}, role: RoleServer},
		{name: "missing_extended_length", buf: []byte{0x81, 0x7e, 0x01}, role: RoleServer},
		{name: "missing_mask_key", buf: []byte{0x81, 0x85, 0x01, 0x02}, role: RoleClient},
		{name: "missing_payload", buf: []byte{0x81, 0x05, 0x48, 0x65}, role: RoleServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, n, err := Decode(tt.buf, tt.role)
			if err != nil {
				t.Fatalf("Decode() error = %v, want nil (need more data)", err)
			}
			if f != nil || n != 0 {
				t.Fatalf("Decode() = (%+v, %d), want (nil, 0)", f, n)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
	}{
		{name: "empty_text", f: NewTextFrame("", true)},
		{name: "short_text", f: NewTextFrame("hello", true)},
		{name: "125b_binary", f: NewBinaryFrame(bytes.Repeat([]byte{0x01}, 125), true, true, true)},
		{name: "126b_binary", f: NewBinaryFrame(bytes.Repeat([]byte{0x02}, 126), true, true, true)},
		{name: "65535b_binary", f: NewBinaryFrame(bytes.Repeat([]byte{0x03}, 65535), true, true, true)},
		{name: "65536b_binary", f: NewBinaryFrame(bytes.Repeat([]byte{0x04}, 65536), true, true, true)},
		{name: "ping", f: NewPingFrame([]byte("abc"), true)},
		{name: "pong", f: NewPongFrame([]byte("abc"), false)},
		{name: "close_with_code", f: NewCloseFrame(1000, "bye", true)},
		{name: "close_no_code", f: NewCloseFrame(NoStatusCode, "", false)},
		{name: "close_falsy_code", f: NewCloseFrame(0, "", false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(tt.f)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			role := RoleServer
			if tt.f.Masked {
				role = RoleClient
			}

			got, n, err := Decode(wire, role)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got == nil {
				t.Fatalf("Decode() = need-more-data for a fully encoded frame")
			}
			if n != len(wire) {
				t.Errorf("Decode() consumed = %d, want %d", n, len(wire))
			}
			if got.Fin != tt.f.Fin || got.Opcode != tt.f.Opcode {
				t.Errorf("Decode() = %+v, want Fin=%v Opcode=%v", got, tt.f.Fin, tt.f.Opcode)
			}
			if !bytes.Equal(got.Payload, tt.f.Payload) {
				t.Errorf("Decode() payload mismatch for %s", tt.name)
			}
		})
	}
}

func TestEncodeDoesNotMutateCallerBuffer(t *testing.T) {
	payload := []byte("don't touch me")
	original := append([]byte(nil), payload...)

	if _, err := Encode(NewBinaryFrame(payload, true, true, true)); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if !bytes.Equal(payload, original) {
		t.Fatalf("Encode() mutated caller's payload: got %v, want %v", payload, original)
	}
}
