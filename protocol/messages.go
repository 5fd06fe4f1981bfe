// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/auditlog/lib/codec"
)

// ErrMalformedMessage is wrapped by decode errors for payloads that
// are not valid CBOR or do not hold exactly one union member.
var ErrMalformedMessage = errors.New("malformed message")

// MessageType identifies which union member a message carries.
type MessageType uint8

// Client message types.
const (
	TypeInvalid MessageType = iota
	TypeHello
	TypeAccept
	TypeReject
	TypeExit
	TypeRestart
	TypeAlert
	TypeTtyIn
	TypeTtyOut
	TypeStdin
	TypeStdout
	TypeStderr
	TypeWinsize
	TypeSuspend
)

// Server message types share the numbering space so that a
// MessageType is unambiguous in logs.
const (
	TypeServerHello MessageType = iota + 64
	TypeCommitPoint
	TypeLogID
	TypeError
	TypeAbort
)

var messageTypeNames = map[MessageType]string{
	TypeInvalid:     "invalid",
	TypeHello:       "hello",
	TypeAccept:      "accept",
	TypeReject:      "reject",
	TypeExit:        "exit",
	TypeRestart:     "restart",
	TypeAlert:       "alert",
	TypeTtyIn:       "ttyin_buf",
	TypeTtyOut:      "ttyout_buf",
	TypeStdin:       "stdin_buf",
	TypeStdout:      "stdout_buf",
	TypeStderr:      "stderr_buf",
	TypeWinsize:     "winsize_event",
	TypeSuspend:     "suspend_event",
	TypeServerHello: "server_hello",
	TypeCommitPoint: "commit_point",
	TypeLogID:       "log_id",
	TypeError:       "error",
	TypeAbort:       "abort",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// IsIOBuffer reports whether t is one of the five I/O stream types.
func (t MessageType) IsIOBuffer() bool {
	return t >= TypeTtyIn && t <= TypeStderr
}

// InfoMessage is one key/value pair describing the command: user,
// host, command line, working directory, and so on. Exactly one value
// field is normally set.
type InfoMessage struct {
	Key        string   `cbor:"key"`
	NumValue   *int64   `cbor:"numval,omitempty"`
	StrValue   *string  `cbor:"strval,omitempty"`
	StrListVal []string `cbor:"strlistval,omitempty"`
}

// ClientHello identifies the client implementation.
type ClientHello struct {
	ClientID string `cbor:"client_id"`
}

// AcceptMessage opens a session for a command allowed by policy.
type AcceptMessage struct {
	SubmitTime      *TimeSpec     `cbor:"submit_time"`
	InfoMessages    []InfoMessage `cbor:"info_msgs"`
	ExpectIOBuffers bool          `cbor:"expect_iobufs,omitempty"`
}

// RejectMessage records a command denied by policy.
type RejectMessage struct {
	SubmitTime   *TimeSpec     `cbor:"submit_time"`
	Reason       string        `cbor:"reason"`
	InfoMessages []InfoMessage `cbor:"info_msgs"`
}

// ExitMessage records how the command finished.
type ExitMessage struct {
	RunTime    *TimeSpec `cbor:"run_time"`
	ExitValue  int32     `cbor:"exit_value"`
	CoreDumped bool      `cbor:"dumped_core,omitempty"`
	Signal     string    `cbor:"signal,omitempty"`
	Error      string    `cbor:"error,omitempty"`
}

// RestartMessage resumes an interrupted I/O log.
type RestartMessage struct {
	LogID       string    `cbor:"log_id"`
	ResumePoint *TimeSpec `cbor:"resume_point"`
}

// AlertMessage reports a policy alert.
type AlertMessage struct {
	AlertTime    *TimeSpec     `cbor:"alert_time"`
	Reason       string        `cbor:"reason"`
	InfoMessages []InfoMessage `cbor:"info_msgs,omitempty"`
}

// IOBuffer is a chunk of one I/O stream. Delay is the time since the
// previous I/O event of the session.
type IOBuffer struct {
	Delay *TimeSpec `cbor:"delay"`
	Data  []byte    `cbor:"data"`
}

// ChangeWindowSize records a terminal resize.
type ChangeWindowSize struct {
	Delay *TimeSpec `cbor:"delay"`
	Rows  int32     `cbor:"rows"`
	Cols  int32     `cbor:"cols"`
}

// CommandSuspend records a suspend or resume of the command.
type CommandSuspend struct {
	Delay  *TimeSpec `cbor:"delay"`
	Signal string    `cbor:"signal"`
}

// ClientMessage is the union of client-to-server messages.
type ClientMessage struct {
	Hello   *ClientHello      `cbor:"hello,omitempty"`
	Accept  *AcceptMessage    `cbor:"accept,omitempty"`
	Reject  *RejectMessage    `cbor:"reject,omitempty"`
	Exit    *ExitMessage      `cbor:"exit,omitempty"`
	Restart *RestartMessage   `cbor:"restart,omitempty"`
	Alert   *AlertMessage     `cbor:"alert,omitempty"`
	TtyIn   *IOBuffer         `cbor:"ttyin_buf,omitempty"`
	TtyOut  *IOBuffer         `cbor:"ttyout_buf,omitempty"`
	Stdin   *IOBuffer         `cbor:"stdin_buf,omitempty"`
	Stdout  *IOBuffer         `cbor:"stdout_buf,omitempty"`
	Stderr  *IOBuffer         `cbor:"stderr_buf,omitempty"`
	Winsize *ChangeWindowSize `cbor:"winsize_event,omitempty"`
	Suspend *CommandSuspend   `cbor:"suspend_event,omitempty"`
}

// Type returns the member that is set, or TypeInvalid when zero or
// several members are set.
func (m *ClientMessage) Type() MessageType {
	members := [...]struct {
		present bool
		t       MessageType
	}{
		{m.Hello != nil, TypeHello},
		{m.Accept != nil, TypeAccept},
		{m.Reject != nil, TypeReject},
		{m.Exit != nil, TypeExit},
		{m.Restart != nil, TypeRestart},
		{m.Alert != nil, TypeAlert},
		{m.TtyIn != nil, TypeTtyIn},
		{m.TtyOut != nil, TypeTtyOut},
		{m.Stdin != nil, TypeStdin},
		{m.Stdout != nil, TypeStdout},
		{m.Stderr != nil, TypeStderr},
		{m.Winsize != nil, TypeWinsize},
		{m.Suspend != nil, TypeSuspend},
	}
	found := TypeInvalid
	for _, member := range members {
		if !member.present {
			continue
		}
		if found != TypeInvalid {
			return TypeInvalid
		}
		found = member.t
	}
	return found
}

// IOBuffer returns the I/O stream member, if the message is one.
func (m *ClientMessage) IOBuffer() (*IOBuffer, bool) {
	switch m.Type() {
	case TypeTtyIn:
		return m.TtyIn, true
	case TypeTtyOut:
		return m.TtyOut, true
	case TypeStdin:
		return m.Stdin, true
	case TypeStdout:
		return m.Stdout, true
	case TypeStderr:
		return m.Stderr, true
	}
	return nil, false
}

// NewIOBufferMessage builds a ClientMessage for the given stream type.
func NewIOBufferMessage(t MessageType, buffer *IOBuffer) (*ClientMessage, error) {
	message := &ClientMessage{}
	switch t {
	case TypeTtyIn:
		message.TtyIn = buffer
	case TypeTtyOut:
		message.TtyOut = buffer
	case TypeStdin:
		message.Stdin = buffer
	case TypeStdout:
		message.Stdout = buffer
	case TypeStderr:
		message.Stderr = buffer
	default:
		return nil, fmt.Errorf("%s is not an I/O stream type", t)
	}
	return message, nil
}

// DecodeClientMessage parses a frame payload.
func DecodeClientMessage(payload []byte) (*ClientMessage, error) {
	var message ClientMessage
	if err := codec.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if message.Type() == TypeInvalid {
		return nil, fmt.Errorf("%w: client message must set exactly one member", ErrMalformedMessage)
	}
	return &message, nil
}

// EncodeClientMessage serializes a message into a frame payload.
func EncodeClientMessage(message *ClientMessage) ([]byte, error) {
	if message.Type() == TypeInvalid {
		return nil, fmt.Errorf("%w: client message must set exactly one member", ErrMalformedMessage)
	}
	return codec.Marshal(message)
}

// ServerHello is the first message a server sends.
type ServerHello struct {
	ServerID    string   `cbor:"server_id"`
	Redirect    string   `cbor:"redirect,omitempty"`
	Servers     []string `cbor:"servers,omitempty"`
	Subcommands bool     `cbor:"subcommands,omitempty"`
}

// ServerMessage is the union of server-to-client messages.
type ServerMessage struct {
	Hello       *ServerHello `cbor:"hello,omitempty"`
	CommitPoint *TimeSpec    `cbor:"commit_point,omitempty"`
	LogID       *string      `cbor:"log_id,omitempty"`
	Error       *string      `cbor:"error,omitempty"`
	Abort       *string      `cbor:"abort,omitempty"`
}

// Type returns the member that is set, or TypeInvalid.
func (m *ServerMessage) Type() MessageType {
	count := 0
	found := TypeInvalid
	if m.Hello != nil {
		count, found = count+1, TypeServerHello
	}
	if m.CommitPoint != nil {
		count, found = count+1, TypeCommitPoint
	}
	if m.LogID != nil {
		count, found = count+1, TypeLogID
	}
	if m.Error != nil {
		count, found = count+1, TypeError
	}
	if m.Abort != nil {
		count, found = count+1, TypeAbort
	}
	if count != 1 {
		return TypeInvalid
	}
	return found
}

// NewCommitPoint builds a commit point message.
func NewCommitPoint(elapsed TimeSpec) *ServerMessage {
	return &ServerMessage{CommitPoint: &elapsed}
}

// NewLogID builds a log id message.
func NewLogID(id string) *ServerMessage {
	return &ServerMessage{LogID: &id}
}

// NewError builds an error message.
func NewError(reason string) *ServerMessage {
	return &ServerMessage{Error: &reason}
}

// DecodeServerMessage parses a frame payload.
func DecodeServerMessage(payload []byte) (*ServerMessage, error) {
	var message ServerMessage
	if err := codec.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if message.Type() == TypeInvalid {
		return nil, fmt.Errorf("%w: server message must set exactly one member", ErrMalformedMessage)
	}
	return &message, nil
}

// EncodeServerMessage serializes a message into a frame payload.
func EncodeServerMessage(message *ServerMessage) ([]byte, error) {
	if message.Type() == TypeInvalid {
		return nil, fmt.Errorf("%w: server message must set exactly one member", ErrMalformedMessage)
	}
	return codec.Marshal(message)
}
