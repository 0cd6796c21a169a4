package codec

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"user info full", UserInfo{UserID: "u-1", Name: "Ada", Surname: "Lovelace", Group: "traders"}},
		{"user info empty optionals", UserInfo{UserID: "u-2"}},
		{"user info empty subject", UserInfo{}},
		{"logout", LogoutResponse{Message: "Logged out successfully"}},
		{"price", PriceChange{Symbol: "btcusdt", Price: "42000.5", Timestamp: 1700000000000}},
		{"price zero timestamp", PriceChange{Symbol: "ethusdt", Price: "0.00000001"}},
		{"price negative timestamp", PriceChange{Symbol: "x", Price: "1", Timestamp: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			got, err := Decode(tt.msg.Kind(), data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.msg {
				t.Errorf("round trip = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	msg := PriceChange{Symbol: "btcusdt", Price: "42000.5", Timestamp: 1700000000000}
	a, _ := Encode(KindPriceChange, msg)
	b, _ := Encode(KindPriceChange, &msg)
	if !bytes.Equal(a, b) {
		t.Fatalf("pointer and value encodings differ: %x vs %x", a, b)
	}

	// Hand-built reference in tag order.
	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendString(want, "btcusdt")
	want = protowire.AppendTag(want, 2, protowire.BytesType)
	want = protowire.AppendString(want, "42000.5")
	want = protowire.AppendTag(want, 3, protowire.VarintType)
	want = protowire.AppendVarint(want, 1700000000000)
	if !bytes.Equal(a, want) {
		t.Errorf("Encode() = %x, want %x", a, want)
	}
}

func TestEncode_OmitsEmptyOptionals(t *testing.T) {
	data, err := Marshal(UserInfo{UserID: "u"})
	if err != nil {
		t.Fatal(err)
	}
	// tag(1, bytes) + len + "u"
	if len(data) != 3 {
		t.Errorf("encoded len = %d, want 3 (%x)", len(data), data)
	}
}

func TestEncode_KindMismatch(t *testing.T) {
	if _, err := Encode(KindLogoutResponse, UserInfo{UserID: "u"}); err == nil {
		t.Error("expected error encoding UserInfo as LogoutResponse")
	}
	if _, err := Marshal(nil); err == nil {
		t.Error("expected error for nil message")
	}
}

func TestDecode_Malformed(t *testing.T) {
	full, _ := Marshal(PriceChange{Symbol: "btcusdt", Price: "42000.5", Timestamp: 1700000000000})

	noTimestamp := protowire.AppendTag(nil, 1, protowire.BytesType)
	noTimestamp = protowire.AppendString(noTimestamp, "btcusdt")
	noTimestamp = protowire.AppendTag(noTimestamp, 2, protowire.BytesType)
	noTimestamp = protowire.AppendString(noTimestamp, "1")

	wrongType := protowire.AppendTag(nil, 1, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 7)

	badUTF8 := protowire.AppendTag(nil, 1, protowire.BytesType)
	badUTF8 = protowire.AppendBytes(badUTF8, []byte{0xff, 0xfe})

	tests := []struct {
		name string
		kind Kind
		data []byte
	}{
		{"truncated price", KindPriceChange, full[:len(full)-2]},
		{"truncated tag", KindPriceChange, []byte{0x80}},
		{"missing timestamp", KindPriceChange, noTimestamp},
		{"empty price", KindPriceChange, nil},
		{"empty logout", KindLogoutResponse, []byte{}},
		{"missing user id", KindUserInfo, appendString(nil, fieldName, "Ada")},
		{"wrong wire type", KindUserInfo, wrongType},
		{"invalid utf8", KindLogoutResponse, badUTF8},
		{"unknown kind", Kind(42), full},
		{"zero kind", Kind(0), full},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, tt.data)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("Decode() error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	data, _ := Marshal(LogoutResponse{Message: "bye"})
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 12345)
	data = protowire.AppendTag(data, 100, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	got, err := DecodeLogoutResponse(data)
	if err != nil {
		t.Fatalf("DecodeLogoutResponse() error = %v", err)
	}
	if got.Message != "bye" {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestKind_String(t *testing.T) {
	if KindPriceChange.String() != "PriceChange" {
		t.Errorf("String() = %q", KindPriceChange.String())
	}
	if Kind(9).String() != "Kind(9)" {
		t.Errorf("String() = %q", Kind(9).String())
	}
}
