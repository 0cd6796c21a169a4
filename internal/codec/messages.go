package codec

import "fmt"

// Kind identifies one of the three published record types.
type Kind int

const (
	KindUserInfo Kind = iota + 1
	KindLogoutResponse
	KindPriceChange
)

func (k Kind) String() string {
	switch k {
	case KindUserInfo:
		return "UserInfo"
	case KindLogoutResponse:
		return "LogoutResponse"
	case KindPriceChange:
		return "PriceChange"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is implemented by every record the codec knows how to encode.
type Message interface {
	Kind() Kind
}

// UserInfo is the profile returned to an authenticated browser.
type UserInfo struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Group   string `json:"group"`
}

func (UserInfo) Kind() Kind { return KindUserInfo }

// LogoutResponse acknowledges a logout.
type LogoutResponse struct {
	Message string
}

func (LogoutResponse) Kind() Kind { return KindLogoutResponse }

// PriceChange is one relayed trade.
type PriceChange struct {
	Symbol    string
	Price     string
	Timestamp int64 // epoch millis
}

func (PriceChange) Kind() Kind { return KindPriceChange }

// field numbers from proto/pricerelay.proto
const (
	fieldUserID  = 1
	fieldName    = 2
	fieldSurname = 3
	fieldGroup   = 4

	fieldMessage = 1

	fieldSymbol    = 1
	fieldPrice     = 2
	fieldTimestamp = 3
)
