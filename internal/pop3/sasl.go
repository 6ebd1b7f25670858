package pop3

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
)

// SupportedSASLMechanisms returns the list of supported SASL mechanisms.
func SupportedSASLMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// DecodeSASLResponse decodes a base64-encoded SASL response. Per RFC 5034
// a bare "=" carries a zero-length response.
func DecodeSASLResponse(encoded string) ([]byte, error) {
	if encoded == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// EncodeSASLChallenge encodes a SASL challenge to base64.
func EncodeSASLChallenge(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}

// loginServer implements the server side of the LOGIN mechanism, which
// go-sasl only ships a client for. Two challenges collect username and
// password; an initial response is taken as the username.
type loginServer struct {
	verify   func(username, password string) error
	username string
	gotUser  bool
	started  bool
}

// newLoginServer returns a sasl.Server for the LOGIN mechanism.
func newLoginServer(verify func(username, password string) error) sasl.Server {
	return &loginServer{verify: verify}
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	if !s.started {
		s.started = true
		if response == nil {
			return []byte("Username:"), false, nil
		}
	}
	if !s.gotUser {
		s.username = string(response)
		s.gotUser = true
		return []byte("Password:"), false, nil
	}
	return nil, true, s.verify(s.username, string(response))
}
