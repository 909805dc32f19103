package wire

import (
	"encoding/binary"
	"fmt"
)

// This file holds the message-authoring helpers spec.md §4.1 calls for: one
// builder per frame the engine sends, and one parser per frame the engine
// needs to read fields out of. Builders return a Frame ready for WriteFrame;
// parsers take a Frame.Body and return a typed view over it.
//
// Every builder/parser pair round-trips: Parse(Build(x).Body) == x.

func putCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("wire: unterminated C string")
}

func putInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func putInt16(buf []byte, v int16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	return append(buf, tmp[:]...)
}

func readInt32(b []byte) (int32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("wire: short int32")
	}
	return int32(binary.BigEndian.Uint32(b[:4])), b[4:], nil
}

func readInt16(b []byte) (int16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("wire: short int16")
	}
	return int16(binary.BigEndian.Uint16(b[:2])), b[2:], nil
}

// ---- Simple query ----

func BuildQuery(sql string) Frame {
	var body []byte
	body = putCString(body, sql)
	return Frame{Type: TagQuery, Body: body}
}

func ParseQuery(f Frame) (string, error) {
	s, _, err := readCString(f.Body)
	return s, err
}

// ---- Extended protocol: Parse ----

type ParseMsg struct {
	Name  string // statement name, "" for the unnamed statement
	SQL   string
	Types []int32 // parameter type OIDs, may be empty
}

func BuildParse(m ParseMsg) Frame {
	var body []byte
	body = putCString(body, m.Name)
	body = putCString(body, m.SQL)
	body = putInt16(body, int16(len(m.Types)))
	for _, t := range m.Types {
		body = putInt32(body, t)
	}
	return Frame{Type: TagParse, Body: body}
}

func ParseParse(f Frame) (ParseMsg, error) {
	var m ParseMsg
	var err error
	b := f.Body
	m.Name, b, err = readCString(b)
	if err != nil {
		return m, err
	}
	m.SQL, b, err = readCString(b)
	if err != nil {
		return m, err
	}
	n, b, err := readInt16(b)
	if err != nil {
		return m, err
	}
	m.Types = make([]int32, n)
	for i := range m.Types {
		m.Types[i], b, err = readInt32(b)
		if err != nil {
			return m, err
		}
	}
	_ = b
	return m, nil
}

// ---- Extended protocol: Bind ----

type BindMsg struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	Params        [][]byte // nil element means SQL NULL
	ResultFormats []int16
}

func BuildBind(m BindMsg) Frame {
	var body []byte
	body = putCString(body, m.Portal)
	body = putCString(body, m.Statement)
	body = putInt16(body, int16(len(m.ParamFormats)))
	for _, f := range m.ParamFormats {
		body = putInt16(body, f)
	}
	body = putInt16(body, int16(len(m.Params)))
	for _, p := range m.Params {
		if p == nil {
			body = putInt32(body, -1)
			continue
		}
		body = putInt32(body, int32(len(p)))
		body = append(body, p...)
	}
	body = putInt16(body, int16(len(m.ResultFormats)))
	for _, f := range m.ResultFormats {
		body = putInt16(body, f)
	}
	return Frame{Type: TagBind, Body: body}
}

func ParseBind(f Frame) (BindMsg, error) {
	var m BindMsg
	var err error
	b := f.Body
	m.Portal, b, err = readCString(b)
	if err != nil {
		return m, err
	}
	m.Statement, b, err = readCString(b)
	if err != nil {
		return m, err
	}
	nf, b, err := readInt16(b)
	if err != nil {
		return m, err
	}
	m.ParamFormats = make([]int16, nf)
	for i := range m.ParamFormats {
		m.ParamFormats[i], b, err = readInt16(b)
		if err != nil {
			return m, err
		}
	}
	np, b, err := readInt16(b)
	if err != nil {
		return m, err
	}
	m.Params = make([][]byte, np)
	for i := range m.Params {
		l, rest, err := readInt32(b)
		if err != nil {
			return m, err
		}
		b = rest
		if l < 0 {
			m.Params[i] = nil
			continue
		}
		if int(l) > len(b) {
			return m, fmt.Errorf("wire: bind parameter length out of range")
		}
		m.Params[i] = b[:l]
		b = b[l:]
	}
	nr, b, err := readInt16(b)
	if err != nil {
		return m, err
	}
	m.ResultFormats = make([]int16, nr)
	for i := range m.ResultFormats {
		m.ResultFormats[i], b, err = readInt16(b)
		if err != nil {
			return m, err
		}
	}
	return m, nil
}

// ---- Describe / Close / Execute ----

const (
	DescribeStatement = 'S'
	DescribePortal    = 'P'
)

func BuildDescribe(kind byte, name string) Frame {
	body := []byte{kind}
	body = putCString(body, name)
	return Frame{Type: TagDescribe, Body: body}
}

func ParseDescribe(f Frame) (kind byte, name string, err error) {
	if len(f.Body) < 1 {
		return 0, "", fmt.Errorf("wire: empty Describe body")
	}
	kind = f.Body[0]
	name, _, err = readCString(f.Body[1:])
	return kind, name, err
}

func BuildClose(kind byte, name string) Frame {
	body := []byte{kind}
	body = putCString(body, name)
	return Frame{Type: TagClose, Body: body}
}

func ParseClose(f Frame) (kind byte, name string, err error) {
	if len(f.Body) < 1 {
		return 0, "", fmt.Errorf("wire: empty Close body")
	}
	kind = f.Body[0]
	name, _, err = readCString(f.Body[1:])
	return kind, name, err
}

func BuildExecute(portal string, maxRows int32) Frame {
	var body []byte
	body = putCString(body, portal)
	body = putInt32(body, maxRows)
	return Frame{Type: TagExecute, Body: body}
}

func ParseExecute(f Frame) (portal string, maxRows int32, err error) {
	portal, rest, err := readCString(f.Body)
	if err != nil {
		return "", 0, err
	}
	maxRows, _, err = readInt32(rest)
	return portal, maxRows, err
}

func BuildSync() Frame      { return Frame{Type: TagSync} }
func BuildFlush() Frame     { return Frame{Type: TagFlush} }
func BuildCopyDone() Frame  { return Frame{Type: TagCopyDone} }
func BuildTerminate() Frame { return Frame{Type: TagTerminate} }

func BuildCopyData(data []byte) Frame {
	return Frame{Type: TagCopyData, Body: append([]byte(nil), data...)}
}

func BuildCopyFail(reason string) Frame {
	var body []byte
	body = putCString(body, reason)
	return Frame{Type: TagCopyFail, Body: body}
}

// ---- Password / SASL ----

func BuildPasswordMessage(password string) Frame {
	var body []byte
	body = putCString(body, password)
	return Frame{Type: TagPasswordMsg, Body: body}
}

func BuildSASLInitialResponse(mechanism string, clientFirst []byte) Frame {
	var body []byte
	body = putCString(body, mechanism)
	body = putInt32(body, int32(len(clientFirst)))
	body = append(body, clientFirst...)
	return Frame{Type: TagPasswordMsg, Body: body}
}

func BuildSASLResponse(data []byte) Frame {
	return Frame{Type: TagPasswordMsg, Body: append([]byte(nil), data...)}
}

// ParsePasswordMessage reads a cleartext or MD5 PasswordMessage body (a
// single CString).
func ParsePasswordMessage(f Frame) (string, error) {
	s, _, err := readCString(f.Body)
	return s, err
}

// ParseSASLInitialResponse reads a client's SASLInitialResponse body:
// mechanism name, then an Int32 length (-1 for none) and that many bytes.
func ParseSASLInitialResponse(f Frame) (mechanism string, clientFirst []byte, err error) {
	mechanism, rest, err := readCString(f.Body)
	if err != nil {
		return "", nil, err
	}
	n, rest, err := readInt32(rest)
	if err != nil {
		return "", nil, err
	}
	if n < 0 {
		return mechanism, nil, nil
	}
	if int(n) > len(rest) {
		return "", nil, fmt.Errorf("wire: SASLInitialResponse length %d exceeds body", n)
	}
	return mechanism, append([]byte(nil), rest[:n]...), nil
}

// ParseSASLResponse reads a client's SASLResponse body: the raw mechanism
// data, unprefixed (the frame length already bounds it).
func ParseSASLResponse(f Frame) []byte {
	return append([]byte(nil), f.Body...)
}

// ---- Backend: startup/auth sequence ----

func BuildAuthenticationOK() Frame {
	var body []byte
	body = putInt32(body, AuthOK)
	return Frame{Type: TagAuthentication, Body: body}
}

func BuildAuthenticationCleartextPassword() Frame {
	var body []byte
	body = putInt32(body, AuthCleartextPassword)
	return Frame{Type: TagAuthentication, Body: body}
}

func BuildAuthenticationMD5Password(salt [4]byte) Frame {
	var body []byte
	body = putInt32(body, AuthMD5Password)
	body = append(body, salt[:]...)
	return Frame{Type: TagAuthentication, Body: body}
}

func BuildAuthenticationSASL(mechanisms []string) Frame {
	var body []byte
	body = putInt32(body, AuthSASL)
	for _, m := range mechanisms {
		body = putCString(body, m)
	}
	body = append(body, 0)
	return Frame{Type: TagAuthentication, Body: body}
}

func BuildAuthenticationSASLContinue(data []byte) Frame {
	var body []byte
	body = putInt32(body, AuthSASLContinue)
	body = append(body, data...)
	return Frame{Type: TagAuthentication, Body: body}
}

func BuildAuthenticationSASLFinal(data []byte) Frame {
	var body []byte
	body = putInt32(body, AuthSASLFinal)
	body = append(body, data...)
	return Frame{Type: TagAuthentication, Body: body}
}

// AuthenticationKind reports the sub-code of an 'R' frame.
func AuthenticationKind(f Frame) (int32, []byte, error) {
	return readInt32(f.Body)
}

func BuildParameterStatus(name, value string) Frame {
	var body []byte
	body = putCString(body, name)
	body = putCString(body, value)
	return Frame{Type: TagParameterStatus, Body: body}
}

func ParseParameterStatus(f Frame) (name, value string, err error) {
	name, rest, err := readCString(f.Body)
	if err != nil {
		return "", "", err
	}
	value, _, err = readCString(rest)
	return name, value, err
}

func BuildBackendKeyData(pid, secret int32) Frame {
	var body []byte
	body = putInt32(body, pid)
	body = putInt32(body, secret)
	return Frame{Type: TagBackendKeyData, Body: body}
}

func ParseBackendKeyData(f Frame) (pid, secret int32, err error) {
	pid, rest, err := readInt32(f.Body)
	if err != nil {
		return 0, 0, err
	}
	secret, _, err = readInt32(rest)
	return pid, secret, err
}

func BuildReadyForQuery(status byte) Frame {
	return Frame{Type: TagReadyForQuery, Body: []byte{status}}
}

func ParseReadyForQuery(f Frame) (byte, error) {
	if len(f.Body) != 1 {
		return 0, fmt.Errorf("wire: malformed ReadyForQuery")
	}
	return f.Body[0], nil
}

func BuildParseComplete() Frame      { return Frame{Type: TagParseComplete} }
func BuildBindComplete() Frame       { return Frame{Type: TagBindComplete} }
func BuildCloseComplete() Frame      { return Frame{Type: TagCloseComplete} }
func BuildNoData() Frame             { return Frame{Type: TagNoData} }
func BuildEmptyQueryResponse() Frame { return Frame{Type: TagEmptyQueryResponse} }

func BuildPortalSuspended() Frame { return Frame{Type: TagPortalSuspended} }

func BuildCommandComplete(tag string) Frame {
	var body []byte
	body = putCString(body, tag)
	return Frame{Type: TagCommandComplete, Body: body}
}

func ParseCommandComplete(f Frame) (string, error) {
	s, _, err := readCString(f.Body)
	return s, err
}

// ---- RowDescription / DataRow ----

type FieldDescription struct {
	Name         string
	TableOID     int32
	ColumnAttr   int16
	TypeOID      int32
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

func BuildRowDescription(fields []FieldDescription) Frame {
	var body []byte
	body = putInt16(body, int16(len(fields)))
	for _, fld := range fields {
		body = putCString(body, fld.Name)
		body = putInt32(body, fld.TableOID)
		body = putInt16(body, fld.ColumnAttr)
		body = putInt32(body, fld.TypeOID)
		body = putInt16(body, fld.TypeSize)
		body = putInt32(body, fld.TypeModifier)
		body = putInt16(body, fld.Format)
	}
	return Frame{Type: TagRowDescription, Body: body}
}

func ParseRowDescription(f Frame) ([]FieldDescription, error) {
	n, b, err := readInt16(f.Body)
	if err != nil {
		return nil, err
	}
	fields := make([]FieldDescription, n)
	for i := range fields {
		var fld FieldDescription
		fld.Name, b, err = readCString(b)
		if err != nil {
			return nil, err
		}
		fld.TableOID, b, err = readInt32(b)
		if err != nil {
			return nil, err
		}
		fld.ColumnAttr, b, err = readInt16(b)
		if err != nil {
			return nil, err
		}
		fld.TypeOID, b, err = readInt32(b)
		if err != nil {
			return nil, err
		}
		fld.TypeSize, b, err = readInt16(b)
		if err != nil {
			return nil, err
		}
		fld.TypeModifier, b, err = readInt32(b)
		if err != nil {
			return nil, err
		}
		fld.Format, b, err = readInt16(b)
		if err != nil {
			return nil, err
		}
		fields[i] = fld
	}
	return fields, nil
}

func BuildDataRow(values [][]byte) Frame {
	var body []byte
	body = putInt16(body, int16(len(values)))
	for _, v := range values {
		if v == nil {
			body = putInt32(body, -1)
			continue
		}
		body = putInt32(body, int32(len(v)))
		body = append(body, v...)
	}
	return Frame{Type: TagDataRow, Body: body}
}

func ParseDataRow(f Frame) ([][]byte, error) {
	n, b, err := readInt16(f.Body)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, n)
	for i := range values {
		l, rest, err := readInt32(b)
		if err != nil {
			return nil, err
		}
		b = rest
		if l < 0 {
			values[i] = nil
			continue
		}
		if int(l) > len(b) {
			return nil, fmt.Errorf("wire: data row value length out of range")
		}
		values[i] = b[:l]
		b = b[l:]
	}
	return values, nil
}

// ---- ErrorResponse / NoticeResponse ----

// Field codes used in ErrorResponse/NoticeResponse, per the protocol spec.
const (
	FieldSeverity   = 'S'
	FieldSeverityV  = 'V'
	FieldCode       = 'C'
	FieldMessage    = 'M'
	FieldDetail     = 'D'
	FieldHint       = 'H'
	FieldPosition   = 'P'
	FieldWhere      = 'W'
	FieldSchema     = 's'
	FieldTable      = 't'
	FieldColumn     = 'c'
	FieldDataType   = 'd'
	FieldConstraint = 'n'
	FieldFile       = 'F'
	FieldLine       = 'L'
	FieldRoutine    = 'R'
)

// Fields is an ordered set of (code, value) pairs for an Error/NoticeResponse.
type Fields []FieldEntry

type FieldEntry struct {
	Code  byte
	Value string
}

func (fs Fields) Get(code byte) (string, bool) {
	for _, f := range fs {
		if f.Code == code {
			return f.Value, true
		}
	}
	return "", false
}

func buildFields(tag byte, fields Fields) Frame {
	var body []byte
	for _, f := range fields {
		body = append(body, f.Code)
		body = putCString(body, f.Value)
	}
	body = append(body, 0)
	return Frame{Type: tag, Body: body}
}

func parseFields(f Frame) (Fields, error) {
	var fields Fields
	b := f.Body
	for len(b) > 0 && b[0] != 0 {
		code := b[0]
		val, rest, err := readCString(b[1:])
		if err != nil {
			return nil, err
		}
		fields = append(fields, FieldEntry{Code: code, Value: val})
		b = rest
	}
	return fields, nil
}

func BuildErrorResponse(fields Fields) Frame     { return buildFields(TagErrorResponse, fields) }
func ParseErrorResponse(f Frame) (Fields, error) { return parseFields(f) }

func BuildNoticeResponse(fields Fields) Frame     { return buildFields(TagNoticeResponse, fields) }
func ParseNoticeResponse(f Frame) (Fields, error) { return parseFields(f) }

// NewErrorFields builds the conventional minimal field set for a
// proxy-originated ErrorResponse: the given severity (e.g. ERROR or FATAL),
// SQLSTATE code and message.
func NewErrorFields(severity, code, message string) Fields {
	return Fields{
		{Code: FieldSeverity, Value: severity},
		{Code: FieldSeverityV, Value: severity},
		{Code: FieldCode, Value: code},
		{Code: FieldMessage, Value: message},
	}
}

// ---- NotificationResponse (LISTEN/NOTIFY) ----

func BuildNotificationResponse(pid int32, channel, payload string) Frame {
	var body []byte
	body = putInt32(body, pid)
	body = putCString(body, channel)
	body = putCString(body, payload)
	return Frame{Type: TagNotificationResp, Body: body}
}

func ParseNotificationResponse(f Frame) (pid int32, channel, payload string, err error) {
	pid, b, err := readInt32(f.Body)
	if err != nil {
		return 0, "", "", err
	}
	channel, b, err = readCString(b)
	if err != nil {
		return 0, "", "", err
	}
	payload, _, err = readCString(b)
	return pid, channel, payload, err
}
