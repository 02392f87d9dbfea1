// ABOUTME: Request and response envelope types and their CBOR encoding
// ABOUTME: Decode modes forbid tags, cap nesting, and funnel integers to int64

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire commands. The set is closed: the dispatcher rejects anything else.
const (
	CmdAuthenticate = "authenticate"
	CmdPing         = "ping"
	CmdIdentify     = "identify_database"
	CmdExecute      = "execute_query"
)

// Response statuses.
const (
	StatusOK  uint8 = 0
	StatusErr uint8 = 1
)

// Error kinds carried by WireError.
const (
	KindAuth     = "auth"
	KindProtocol = "protocol"
	KindDatabase = "database"
)

// PingAck is the fixed acknowledgement returned for a ping command.
const PingAck = "pong"

// Request is one command envelope: [command, args].
type Request struct {
	_       struct{} `cbor:",toarray"`
	Command string
	Args    []any
}

// Response is one reply envelope: [status, result, err]. Exactly one of
// Result and Err is meaningful, selected by Status.
type Response struct {
	_      struct{} `cbor:",toarray"`
	Status uint8
	Result any
	Err    *WireError
}

// WireError is the restricted error shape allowed to cross the channel:
// [kind, message, args]. Args carries the original call arguments where safe
// so a client can reconstruct an equivalent failure locally.
type WireError struct {
	_       struct{} `cbor:",toarray"`
	Kind    string
	Message string
	Args    []any
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// DecodeError reports a body that did not decode to a valid envelope. The
// stream itself is still framed correctly, so the connection remains usable.
type DecodeError struct {
	cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding envelope: %v", e.cause)
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building encode mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		TagsMd:           cbor.TagsForbidden,
		IntDec:           cbor.IntDecConvertSignedOrFail,
		MaxNestedLevels:  32,
		MaxArrayElements: 2147483647,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building decode mode: %v", err))
	}
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(req *Request) ([]byte, error) {
	return encMode.Marshal(req)
}

// DecodeRequest parses and validates a request envelope. Failures are
// reported as *DecodeError.
func DecodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := decMode.Unmarshal(body, &req); err != nil {
		return nil, &DecodeError{cause: err}
	}
	if err := validateSeq(req.Args); err != nil {
		return nil, &DecodeError{cause: fmt.Errorf("request args: %w", err)}
	}
	return &req, nil
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(resp *Response) ([]byte, error) {
	return encMode.Marshal(resp)
}

// DecodeResponse parses and validates a response envelope. Failures are
// reported as *DecodeError.
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := decMode.Unmarshal(body, &resp); err != nil {
		return nil, &DecodeError{cause: err}
	}
	if err := validateValue(resp.Result); err != nil {
		return nil, &DecodeError{cause: fmt.Errorf("response result: %w", err)}
	}
	if resp.Err != nil {
		if err := validateSeq(resp.Err.Args); err != nil {
			return nil, &DecodeError{cause: fmt.Errorf("response error args: %w", err)}
		}
	}
	return &resp, nil
}

// OK builds a success response carrying result.
func OK(result any) *Response {
	return &Response{Status: StatusOK, Result: result}
}

// Errf builds an error response of the given kind. Args must already be in
// the wire value model.
func Errf(kind string, args []any, format string, fmtArgs ...any) *Response {
	return &Response{
		Status: StatusErr,
		Err: &WireError{
			Kind:    kind,
			Message: fmt.Sprintf(format, fmtArgs...),
			Args:    args,
		},
	}
}
