package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{321, []byte{0xC1, 0x02}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("input=%d expected=%x got=%x", tt.input, tt.expect, encoded)
		}
		decoded, _ := DecodeRemainingLength(bytes.NewReader(encoded))
		if decoded != tt.input {
			t.Errorf("input=%d decoded=%d", tt.input, decoded)
		}
	}

	if _, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})); err == nil {
		t.Error("expected error for 5 byte length")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{1}, 1000)}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range frames {
		got, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("got %d bytes, want %d", len(got), len(want))
		}
	}
}

func TestReadFrameLimit(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, make([]byte, 100))
	if _, err := ReadFrame(&buf, 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestBodyRoundTrip(t *testing.T) {
	in := Frame{Type: Login, Encoding: EncodingUTF8, Payload: []byte(`{"username":"alice"}`)}
	data, err := EncodeBody(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeBody(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != in.Type || out.Encoding != in.Encoding || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("frame mismatch: %+v", out)
	}

	for _, bad := range [][]byte{{}, {0x00}, {0x00, 0x05, 'a'}, {0x00, 0x01, 'a', 0x00}} {
		if _, err := DecodeBody(bad); !errors.Is(err, ErrShortBody) {
			t.Errorf("DecodeBody(%x): expected ErrShortBody, got %v", bad, err)
		}
	}
}

func TestFrameTypeSets(t *testing.T) {
	if !Login.IsClientFrame() || Login.IsServerFrame() {
		t.Error("login direction wrong")
	}
	if !Message.IsClientFrame() || !Message.IsServerFrame() {
		t.Error("message goes both ways")
	}
	if FrameType("bogus").IsClientFrame() {
		t.Error("unknown tag reported as client frame")
	}
}

func TestTokenJSON(t *testing.T) {
	f, err := JSONFrame(NewToken, NewTokenReply{NewToken: GuestToken()})
	if err != nil {
		t.Fatal(err)
	}
	var reply NewTokenReply
	if err := f.Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if !reply.NewToken.IsGuest() || reply.NewToken.GroupID != DefaultGroupID {
		t.Errorf("unexpected token %+v", reply.NewToken)
	}
	if err := (Frame{Type: Login, Encoding: EncodingNone}).Decode(&reply); err == nil {
		t.Error("expected error decoding a non utf-8 payload")
	}
}
