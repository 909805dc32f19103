package wire

import "fmt"

// StartupMessage carries the protocol version and the startup parameters
// (user, database, application_name, ...) a client sends before any auth.
type StartupMessage struct {
	ProtocolVersion int32
	Parameters      map[string]string
}

func BuildStartupMessage(m StartupMessage) Frame {
	var body []byte
	body = putInt32(body, m.ProtocolVersion)
	for k, v := range m.Parameters {
		body = putCString(body, k)
		body = putCString(body, v)
	}
	body = append(body, 0)
	return Frame{Body: body}
}

// ParseStartupMessage parses the body of an untagged frame already known to
// be a StartupMessage (protocol version 3.0, i.e. not one of the magic
// request codes below).
func ParseStartupMessage(f Frame) (StartupMessage, error) {
	version, b, err := readInt32(f.Body)
	if err != nil {
		return StartupMessage{}, err
	}
	m := StartupMessage{ProtocolVersion: version, Parameters: map[string]string{}}
	for len(b) > 0 && b[0] != 0 {
		var key, val string
		key, b, err = readCString(b)
		if err != nil {
			return m, err
		}
		if len(b) == 0 {
			return m, fmt.Errorf("wire: truncated startup parameters")
		}
		val, b, err = readCString(b)
		if err != nil {
			return m, err
		}
		m.Parameters[key] = val
	}
	return m, nil
}

// BuildSSLRequest/BuildGSSENCRequest/BuildCancelRequest produce the fixed
// 8-byte (or 16-byte, for cancel) untagged request frames.

func BuildSSLRequest() Frame {
	var body []byte
	body = putInt32(body, SSLRequestCode)
	return Frame{Body: body}
}

func BuildGSSENCRequest() Frame {
	var body []byte
	body = putInt32(body, GSSENCRequestCode)
	return Frame{Body: body}
}

type CancelRequest struct {
	PID    int32
	Secret int32
}

func BuildCancelRequest(c CancelRequest) Frame {
	var body []byte
	body = putInt32(body, CancelRequestCode)
	body = putInt32(body, c.PID)
	body = putInt32(body, c.Secret)
	return Frame{Body: body}
}

func ParseCancelRequest(f Frame) (CancelRequest, error) {
	// f.Body starts just after the magic code, which the caller classified
	// the frame by (see ClassifyStartup).
	pid, b, err := readInt32(f.Body)
	if err != nil {
		return CancelRequest{}, err
	}
	secret, _, err := readInt32(b)
	if err != nil {
		return CancelRequest{}, err
	}
	return CancelRequest{PID: pid, Secret: secret}, nil
}

// StartupKind classifies the body of a frame read by ReadUntypedFrame.
type StartupKind int

const (
	StartupKindMessage StartupKind = iota
	StartupKindSSLRequest
	StartupKindGSSENCRequest
	StartupKindCancelRequest
	StartupKindUnknown
)

// ClassifyStartup inspects the first 4 bytes of an untagged frame's body
// (the magic code / protocol version) and returns its kind. For
// StartupKindCancelRequest, the returned Frame's Body has the magic code
// stripped so ParseCancelRequest can be called directly on it.
func ClassifyStartup(f Frame) (StartupKind, Frame, error) {
	code, rest, err := readInt32(f.Body)
	if err != nil {
		return StartupKindUnknown, f, err
	}
	switch code {
	case SSLRequestCode:
		return StartupKindSSLRequest, f, nil
	case GSSENCRequestCode:
		return StartupKindGSSENCRequest, f, nil
	case CancelRequestCode:
		return StartupKindCancelRequest, Frame{Body: rest}, nil
	case ProtocolVersion3:
		return StartupKindMessage, f, nil
	default:
		return StartupKindUnknown, f, nil
	}
}
