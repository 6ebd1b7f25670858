package smtp

import "github.com/emersion/go-sasl"

// loginServer is the server side of the LOGIN mechanism; go-sasl only
// ships a client for it. The username and password arrive one challenge
// apiece, and an initial response counts as the username.
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
