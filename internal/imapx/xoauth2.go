package imapx

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook. go-sasl ships OAUTHBEARER but not the older XOAUTH2 dialect these
// providers still require for IMAP.
type xoauth2Client struct {
	username string
	token    string
	done     bool
}

// NewXOAuth2Client returns a sasl.Client authenticating username with an
// OAuth2 access token.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// On failure the server sends a base64 JSON error blob and expects an
	// empty response before issuing the tagged NO.
	if c.done {
		return nil, fmt.Errorf("unexpected server challenge: %s", challenge)
	}
	c.done = true
	return []byte{}, nil
}
