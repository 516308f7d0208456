package smtpserver

import (
	"github.com/emersion/go-sasl"
)

var (
	usernameChallenge = []byte("Username:")
	passwordChallenge = []byte("Password:")
)

// loginServer is the server side of the LOGIN mechanism. Clients may send the
// username as an initial response.
type loginServer struct {
	verify   func(username, password string) error
	step     int
	username string
}

func newLoginServer(verify func(username, password string) error) sasl.Server {
	return &loginServer{verify: verify}
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.step {
	case 0:
		if response == nil {
			a.step = 1
			return usernameChallenge, false, nil
		}
		a.username = string(response)
		a.step = 2
		return passwordChallenge, false, nil
	case 1:
		a.username = string(response)
		a.step = 2
		return passwordChallenge, false, nil
	case 2:
		a.step = 3
		return nil, true, a.verify(a.username, string(response))
	}
	return nil, true, sasl.ErrUnexpectedClientResponse
}
