package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoCommand is returned by Validate for a message without a command.
	ErrNoCommand = errors.New("message has no command")
	// ErrNoStreamID is returned by Validate for a message that needs a stream
	// id but carries none.
	ErrNoStreamID = errors.New("message has no stream id")
)

// Encode serializes a Message into a text frame payload.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Command, err)
	}
	return data, nil
}

// Decode deserializes a text frame payload into a Message. It does not
// check required fields; see Validate.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message (%d bytes): %w", len(data), err)
	}
	return &msg, nil
}

// Validate checks the fields every inbound message must carry. Keep-alive
// messages and error replies are exempt from the stream id requirement, so
// two peers never answer each other's noStreamIdSpecified forever.
func Validate(msg *Message) error {
	if msg.Command == "" {
		return ErrNoCommand
	}
	switch msg.Command {
	case CmdPing, CmdPong, CmdError:
		return nil
	}
	if msg.StreamID == "" {
		return ErrNoStreamID
	}
	return nil
}
