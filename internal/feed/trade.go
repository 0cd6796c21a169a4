package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformedTick is returned by ParseTrade for messages that are not usable trades.
var ErrMalformedTick = errors.New("malformed tick")

// PriceUpdate is one normalized trade from the upstream feed.
type PriceUpdate struct {
	Symbol          string // lowercase pair, e.g. "btcusdt"
	Price           string // decimal text exactly as received
	TimestampMillis int64
}

// combinedEvent wraps trades when the feed is opened on the combined stream endpoint.
type combinedEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ParseTrade decodes one raw feed message of the shape {"s": symbol, "p": price,
// "T": epoch millis} into a PriceUpdate. Other fields are ignored.
//
// Keys are matched exactly; trades carry both "t" (trade id) and "T" (trade time).
func ParseTrade(raw []byte) (PriceUpdate, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	if _, ok := fields["stream"]; ok {
		var envelope combinedEvent
		if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Data) == 0 {
			return PriceUpdate{}, fmt.Errorf("%w: bad stream envelope", ErrMalformedTick)
		}
		fields = nil
		if err := json.Unmarshal(envelope.Data, &fields); err != nil {
			return PriceUpdate{}, fmt.Errorf("%w: %v", ErrMalformedTick, err)
		}
	}

	var symbol, price string
	var tradeTime int64
	if err := decodeField(fields, "s", &symbol); err != nil {
		return PriceUpdate{}, err
	}
	if err := decodeField(fields, "p", &price); err != nil {
		return PriceUpdate{}, err
	}
	if err := decodeField(fields, "T", &tradeTime); err != nil {
		return PriceUpdate{}, err
	}

	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if symbol == "" {
		return PriceUpdate{}, fmt.Errorf("%w: missing symbol", ErrMalformedTick)
	}
	if _, err := decimal.NewFromString(price); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: price %q: %v", ErrMalformedTick, price, err)
	}
	if tradeTime <= 0 {
		return PriceUpdate{}, fmt.Errorf("%w: missing trade time", ErrMalformedTick)
	}

	return PriceUpdate{
		Symbol:          symbol,
		Price:           price,
		TimestampMillis: tradeTime,
	}, nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: missing %q", ErrMalformedTick, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrMalformedTick, key, err)
	}
	return nil
}

// StreamURL builds the raw stream URL for a fixed set of pairs:
// <base>/<sym>@trade/<sym>@trade...
func StreamURL(base string, symbols []string) (string, error) {
	if len(symbols) == 0 {
		return "", fmt.Errorf("no symbols configured")
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid feed url scheme %q", u.Scheme)
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	u.Path = u.Path + "/" + strings.Join(streams, "/")
	return u.String(), nil
}
