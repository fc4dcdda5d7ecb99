// Package tunnel implements the websocks wire protocol: one WebSocket
// carries one logical tunnel at a time, with JSON control frames
// (OPEN / OPEN-ACK / CLOSE) and binary DATA frames.
package tunnel

import "encoding/json"

// OpenFrame is sent client→server to request a new outbound TCP
// connection to (Host, Port).
type OpenFrame struct {
	Host string `json:"HOST"`
	Port int    `json:"PORT"`
}

// OpenAckFrame is sent server→client in response to an OpenFrame.
type OpenAckFrame struct {
	Allow bool `json:"ALLOW"`
}

// CloseFrame announces that the sender will transmit no further DATA
// frames on this tunnel. Both sides must exchange one before the
// underlying WebSocket is reused.
type CloseFrame struct {
	Status string `json:"STATUS"`
}

const closeStatus = "CLOSED"

// EncodeOpen marshals an OPEN control frame.
func EncodeOpen(host string, port int) ([]byte, error) {
	return json.Marshal(OpenFrame{Host: host, Port: port})
}

// DecodeOpen unmarshals an OPEN control frame.
func DecodeOpen(data []byte) (OpenFrame, error) {
	var f OpenFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// EncodeOpenAck marshals an OPEN-ACK control frame.
func EncodeOpenAck(allow bool) ([]byte, error) {
	return json.Marshal(OpenAckFrame{Allow: allow})
}

// DecodeOpenAck unmarshals an OPEN-ACK control frame.
func DecodeOpenAck(data []byte) (OpenAckFrame, error) {
	var f OpenAckFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// EncodeClose marshals a CLOSE control frame.
func EncodeClose() ([]byte, error) {
	return json.Marshal(CloseFrame{Status: closeStatus})
}

// IsClose reports whether data decodes to a CLOSE control frame.
func IsClose(data []byte) bool {
	var f CloseFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return false
	}
	return f.Status == closeStatus
}
