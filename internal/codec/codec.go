// Package codec encodes and decodes the relay's binary payloads.
//
// The wire format is protocol buffers (proto2) as published in proto/pricerelay.proto,
// so any client generated from that schema can decode what the server sends.
// Encoding is deterministic: fields are written in tag order, required fields always,
// optional strings only when non-empty.
package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ContentType is the HTTP media type for encoded records.
const ContentType = "application/x-protobuf"

// ErrMalformedPayload is returned (wrapped) for any input that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// Marshal encodes msg as its own kind.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("codec: nil message")
	}
	return Encode(msg.Kind(), msg)
}

// Encode serializes msg, which must be of the given kind.
func Encode(kind Kind, msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case UserInfo:
		if kind != KindUserInfo {
			break
		}
		return encodeUserInfo(&m), nil
	case *UserInfo:
		if kind != KindUserInfo || m == nil {
			break
		}
		return encodeUserInfo(m), nil
	case LogoutResponse:
		if kind != KindLogoutResponse {
			break
		}
		return encodeLogout(&m), nil
	case *LogoutResponse:
		if kind != KindLogoutResponse || m == nil {
			break
		}
		return encodeLogout(m), nil
	case PriceChange:
		if kind != KindPriceChange {
			break
		}
		return encodePriceChange(&m), nil
	case *PriceChange:
		if kind != KindPriceChange || m == nil {
			break
		}
		return encodePriceChange(m), nil
	}
	return nil, fmt.Errorf("codec: cannot encode %T as %s", msg, kind)
}

func encodeUserInfo(m *UserInfo) []byte {
	b := make([]byte, 0, 16+len(m.UserID)+len(m.Name)+len(m.Surname)+len(m.Group))
	b = appendString(b, fieldUserID, m.UserID)
	b = appendOptionalString(b, fieldName, m.Name)
	b = appendOptionalString(b, fieldSurname, m.Surname)
	b = appendOptionalString(b, fieldGroup, m.Group)
	return b
}

func encodeLogout(m *LogoutResponse) []byte {
	return appendString(nil, fieldMessage, m.Message)
}

func encodePriceChange(m *PriceChange) []byte {
	b := make([]byte, 0, 16+len(m.Symbol)+len(m.Price))
	b = appendString(b, fieldSymbol, m.Symbol)
	b = appendString(b, fieldPrice, m.Price)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Timestamp))
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendOptionalString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	return appendString(b, num, s)
}

// Decode parses data as the given kind. The returned Message is a value type
// (UserInfo, LogoutResponse or PriceChange).
func Decode(kind Kind, data []byte) (Message, error) {
	switch kind {
	case KindUserInfo:
		return DecodeUserInfo(data)
	case KindLogoutResponse:
		return DecodeLogoutResponse(data)
	case KindPriceChange:
		return DecodePriceChange(data)
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrMalformedPayload, kind)
	}
}

// DecodeUserInfo parses a UserInfo record.
func DecodeUserInfo(data []byte) (UserInfo, error) {
	var m UserInfo
	var haveUserID bool
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case fieldUserID:
			s, err := f.str()
			m.UserID, haveUserID = s, true
			return err
		case fieldName:
			s, err := f.str()
			m.Name = s
			return err
		case fieldSurname:
			s, err := f.str()
			m.Surname = s
			return err
		case fieldGroup:
			s, err := f.str()
			m.Group = s
			return err
		}
		return nil
	})
	if err != nil {
		return UserInfo{}, err
	}
	if !haveUserID {
		return UserInfo{}, missing(KindUserInfo, "user_id")
	}
	return m, nil
}

// DecodeLogoutResponse parses a LogoutResponse record.
func DecodeLogoutResponse(data []byte) (LogoutResponse, error) {
	var m LogoutResponse
	var haveMessage bool
	err := walk(data, func(num protowire.Number, f field) error {
		if num == fieldMessage {
			s, err := f.str()
			m.Message, haveMessage = s, true
			return err
		}
		return nil
	})
	if err != nil {
		return LogoutResponse{}, err
	}
	if !haveMessage {
		return LogoutResponse{}, missing(KindLogoutResponse, "message")
	}
	return m, nil
}

// DecodePriceChange parses a PriceChange record.
func DecodePriceChange(data []byte) (PriceChange, error) {
	var m PriceChange
	var haveSymbol, havePrice, haveTimestamp bool
	err := walk(data, func(num protowire.Number, f field) error {
		switch num {
		case fieldSymbol:
			s, err := f.str()
			m.Symbol, haveSymbol = s, true
			return err
		case fieldPrice:
			s, err := f.str()
			m.Price, havePrice = s, true
			return err
		case fieldTimestamp:
			v, err := f.varint()
			m.Timestamp, haveTimestamp = int64(v), true
			return err
		}
		return nil
	})
	if err != nil {
		return PriceChange{}, err
	}
	switch {
	case !haveSymbol:
		return PriceChange{}, missing(KindPriceChange, "symbol")
	case !havePrice:
		return PriceChange{}, missing(KindPriceChange, "price")
	case !haveTimestamp:
		return PriceChange{}, missing(KindPriceChange, "timestamp")
	}
	return m, nil
}

func missing(kind Kind, name string) error {
	return fmt.Errorf("%w: %s missing required field %s", ErrMalformedPayload, kind, name)
}

// field is one tag/value pair as it appeared on the wire.
type field struct {
	num  protowire.Number
	typ  protowire.Type
	data []byte // remaining input starting at the value
}

func (f *field) str() (string, error) {
	if f.typ != protowire.BytesType {
		return "", f.wrongType()
	}
	v, n := protowire.ConsumeBytes(f.data)
	if n < 0 {
		return "", fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, f.num, protowire.ParseError(n))
	}
	if !utf8.Valid(v) {
		return "", fmt.Errorf("%w: field %d: invalid UTF-8", ErrMalformedPayload, f.num)
	}
	return string(v), nil
}

func (f *field) varint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, f.wrongType()
	}
	v, n := protowire.ConsumeVarint(f.data)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, f.num, protowire.ParseError(n))
	}
	return v, nil
}

func (f *field) wrongType() error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedPayload, f.num, f.typ)
}

// walk visits every field in data. Fields the visitor does not consume are skipped,
// which is how unknown tags from newer schemas are tolerated.
func walk(data []byte, visit func(protowire.Number, field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		data = data[n:]

		f := field{num: num, typ: typ, data: data}
		if err := visit(num, f); err != nil {
			return err
		}
		// Skipped and consumed fields advance alike.
		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedPayload, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}
