package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// delimiter terminates every frame in both directions, per the protocol
// specification.
const delimiter = byte('\n')

// request is the client-to-server message shape. The id is assigned by the
// sender and increases monotonically for the life of one connection.
type request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// marshal frames the request as a single delimited line.
func (r *request) marshal() ([]byte, error) {
	// An absent params member and an empty array are not interchangeable
	// for every server, so always send an array.
	if r.Params == nil {
		r.Params = []interface{}{}
	}

	frame, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	return append(frame, delimiter), nil
}

// message is the single parse target for every server-to-client line. Two
// shapes are expected:
//
//   - response:     {"id": N, "result": ...} or {"id": N, "error": ...}
//   - notification: {"method": "...", "params": [...]}
//
// A line carrying an id requires a result or error member, and a line without
// an id requires a method; everything else is a malformed frame.
type message struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// isNotification reports whether the message is a server-initiated
// notification rather than the reply to one of our requests.
func (m *message) isNotification() bool {
	return m.ID == nil
}

// parseMessage decodes one delimited line into a message, enforcing the shape
// discriminator above. The returned error, if any, is a
// *MalformedFrameError.
func parseMessage(line []byte) (*message, error) {
	line = bytes.TrimRight(line, "\r\n")

	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &MalformedFrameError{
			Frame:  line,
			Reason: err.Error(),
		}
	}

	switch {
	case msg.ID != nil:
		// A response must carry a result or an error member; when both
		// are present the error wins at dispatch. Note that a JSON null result is still a present member and
		// decodes to the non-nil raw bytes "null".
		if msg.Result == nil && msg.Error == nil {
			return nil, &MalformedFrameError{
				Frame:  line,
				Reason: "response carries neither result nor error",
			}
		}

	default:
		if msg.Method == "" {
			return nil, &MalformedFrameError{
				Frame:  line,
				Reason: "notification carries no method",
			}
		}
	}

	return &msg, nil
}
