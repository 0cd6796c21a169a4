package auth

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/adred-codev/pricerelay/internal/codec"
)

// Identity is who a session belongs to. It is derived on every validation and
// never stored server side.
type Identity struct {
	SubjectID   string
	DisplayName string
	Surname     string
	Group       string
}

// UserInfo converts the identity into its wire record.
func (id Identity) UserInfo() codec.UserInfo {
	return codec.UserInfo{
		UserID:  id.SubjectID,
		Name:    id.DisplayName,
		Surname: id.Surname,
		Group:   id.Group,
	}
}

// CookieValue serializes the identity for the user_info cookie.
// The JSON is URL-escaped because quotes and commas are not valid cookie octets.
func (id Identity) CookieValue() (string, error) {
	data, err := json.Marshal(id.UserInfo())
	if err != nil {
		return "", err
	}
	return url.QueryEscape(string(data)), nil
}

// ParseCookieValue reverses CookieValue.
func ParseCookieValue(value string) (Identity, error) {
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	var info codec.UserInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if info.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return Identity{
		SubjectID:   info.UserID,
		DisplayName: info.Name,
		Surname:     info.Surname,
		Group:       info.Group,
	}, nil
}
