package rendezvous

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPort is the port the rendezvous service listens on by default.
const DefaultPort = 13000

// ActionRegister is the only action the rendezvous service supports.
const ActionRegister = "REGISTER"

// Response statuses.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Request is sent by a peer to register its address.
type Request struct {
	Action string `json:"action"`
	Name   string `json:"name"`

	// IP may be empty, in which case the service records the address it
	// observed the request coming from.
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Response contains every registered peer, including the one that sent the
// request.
type Response struct {
	Status string             `json:"status"`
	Peers  map[string]Address `json:"peers,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Address is where a peer's sync protocol handler listens. On the wire it's a
// two element array: [ip, port].
type Address struct {
	IP   string
	Port int
}

// MarshalJSON encodes the address as [ip, port].
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{a.IP, a.Port})
}

// UnmarshalJSON decodes an address from [ip, port].
func (a *Address) UnmarshalJSON(b []byte) error {
	var pair []jsoniter.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}

	if len(pair) != 2 {
		return fmt.Errorf("address must have 2 elements, got %d", len(pair))
	}

	if err := json.Unmarshal(pair[0], &a.IP); err != nil {
		return fmt.Errorf("address ip: %s", err)
	}
	if err := json.Unmarshal(pair[1], &a.Port); err != nil {
		return fmt.Errorf("address port: %s", err)
	}
	return nil
}
