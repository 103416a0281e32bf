// Package capi implements the combined ASCII/binary command protocol spoken
// by the tracker family: reply framing, status decoding, and the typed
// decoders for each command's reply shape.
package capi

import "fmt"

// StatusKind classifies a reply status.
type StatusKind int

const (
	StatusOK StatusKind = iota
	StatusWarning
	StatusError
)

// Status is the outcome carried by every Reply. An Error status implies the
// payload is absent or partial.
type Status struct {
	Kind    StatusKind
	Code    string
	Message string
}

// OK returns an OK status.
func OK() Status { return Status{Kind: StatusOK} }

// Warning returns a WARNING status for the given two-hex-digit code, with
// the message resolved from the fixed warning table.
func Warning(code string) Status {
	return Status{Kind: StatusWarning, Code: code, Message: warningText(code)}
}

// Error returns an ERROR status for the given two-hex-digit code, with the
// message resolved from the fixed error table.
func Error(code string) Status {
	return Status{Kind: StatusError, Code: code, Message: errorText(code)}
}

func (s Status) IsOK() bool      { return s.Kind == StatusOK }
func (s Status) IsWarning() bool { return s.Kind == StatusWarning }
func (s Status) IsError() bool   { return s.Kind == StatusError }

func (s Status) String() string {
	switch s.Kind {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return fmt.Sprintf("WARNING %s: %s", s.Code, s.Message)
	default:
		return fmt.Sprintf("ERROR %s: %s", s.Code, s.Message)
	}
}

// errorTable maps the device's two-hex-digit error codes to text. Codes not
// listed decode with a generic message; the code itself is always preserved.
var errorTable = map[string]string{
	"01": "invalid command",
	"02": "command too long",
	"03": "command too short",
	"04": "invalid CRC calculated for command",
	"05": "time-out on command execution",
	"06": "unable to set up new communication parameters",
	"07": "incorrect number of parameters",
	"08": "invalid port handle selected",
	"09": "invalid mode selected",
	"0A": "invalid LED selected",
	"0B": "invalid LED state selected",
	"0C": "command is invalid while in the current mode",
	"0D": "no tool is assigned to the selected port handle",
	"0E": "selected port handle not initialized",
	"0F": "selected port handle not enabled",
	"10": "system not initialized",
	"11": "unable to stop tracking",
	"12": "unable to start tracking",
	"13": "unable to initialize the port handle",
	"14": "invalid position sensor characterization parameters",
	"16": "unable to initialize the system",
	"1B": "cannot load SROM device data",
	"1E": "SROM device data not present",
	"22": "command not supported by this system",
	"23": "unable to read device memory",
	"2A": "system memory is full",
	"2C": "main processor firmware is corrupt",
	"33": "invalid volume selected",
}

// warningTable maps the device's two-hex-digit warning codes to text.
var warningTable = map[string]string{
	"01": "possible hardware fault",
	"02": "non-fatal tool error detected",
	"03": "tool does not match port configuration",
	"04": "tool occupies more than one port",
	"05": "tool SROM data is corrupt",
	"06": "system initialized with non-fatal errors",
	"07": "tool initialized with non-fatal errors",
}

func errorText(code string) string {
	if msg, ok := errorTable[code]; ok {
		return msg
	}
	return "unrecognized error code"
}

func warningText(code string) string {
	if msg, ok := warningTable[code]; ok {
		return msg
	}
	return "unrecognized warning code"
}
