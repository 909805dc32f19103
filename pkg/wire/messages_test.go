package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	var got Frame
	var err error
	if f.Tagged() {
		got, err = ReadFrame(&buf)
	} else {
		got, err = ReadUntypedFrame(&buf)
	}
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return got
}

func TestQueryRoundTrip(t *testing.T) {
	f := BuildQuery("SELECT 1")
	got := roundTrip(t, f)
	sql, err := ParseQuery(got)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if sql != "SELECT 1" {
		t.Errorf("got %q, want %q", sql, "SELECT 1")
	}
}

func TestParseBindRoundTrip(t *testing.T) {
	p := ParseMsg{Name: "stmt1", SQL: "SELECT $1", Types: []int32{25}}
	got := roundTrip(t, BuildParse(p))
	gotP, err := ParseParse(got)
	if err != nil {
		t.Fatalf("ParseParse: %v", err)
	}
	if !reflect.DeepEqual(p, gotP) {
		t.Errorf("got %+v, want %+v", gotP, p)
	}

	b := BindMsg{
		Portal:        "",
		Statement:     "stmt1",
		ParamFormats:  []int16{0},
		Params:        [][]byte{[]byte("42"), nil},
		ResultFormats: []int16{0, 1},
	}
	gotB := roundTrip(t, BuildBind(b))
	parsedB, err := ParseBind(gotB)
	if err != nil {
		t.Fatalf("ParseBind: %v", err)
	}
	if !reflect.DeepEqual(b, parsedB) {
		t.Errorf("got %+v, want %+v", parsedB, b)
	}
}

func TestDescribeCloseExecuteRoundTrip(t *testing.T) {
	f := roundTrip(t, BuildDescribe(DescribeStatement, "stmt1"))
	kind, name, err := ParseDescribe(f)
	if err != nil || kind != DescribeStatement || name != "stmt1" {
		t.Fatalf("Describe round trip failed: kind=%c name=%q err=%v", kind, name, err)
	}

	f = roundTrip(t, BuildClose(DescribePortal, "portal1"))
	kind, name, err = ParseClose(f)
	if err != nil || kind != DescribePortal || name != "portal1" {
		t.Fatalf("Close round trip failed: kind=%c name=%q err=%v", kind, name, err)
	}

	f = roundTrip(t, BuildExecute("portal1", 10))
	portal, maxRows, err := ParseExecute(f)
	if err != nil || portal != "portal1" || maxRows != 10 {
		t.Fatalf("Execute round trip failed: portal=%q maxRows=%d err=%v", portal, maxRows, err)
	}
}

func TestRowDescriptionAndDataRowRoundTrip(t *testing.T) {
	fields := []FieldDescription{
		{Name: "id", TypeOID: 23, TypeSize: 4, Format: 0},
		{Name: "name", TypeOID: 25, TypeSize: -1, Format: 0},
	}
	got := roundTrip(t, BuildRowDescription(fields))
	gotFields, err := ParseRowDescription(got)
	if err != nil {
		t.Fatalf("ParseRowDescription: %v", err)
	}
	if !reflect.DeepEqual(fields, gotFields) {
		t.Errorf("got %+v, want %+v", gotFields, fields)
	}

	values := [][]byte{[]byte("1"), nil, []byte("hello")}
	gotRow := roundTrip(t, BuildDataRow(values))
	gotValues, err := ParseDataRow(gotRow)
	if err != nil {
		t.Fatalf("ParseDataRow: %v", err)
	}
	if !reflect.DeepEqual(values, gotValues) {
		t.Errorf("got %+v, want %+v", gotValues, values)
	}
}

func TestCommandCompleteAndReadyForQuery(t *testing.T) {
	got := roundTrip(t, BuildCommandComplete("SELECT 3"))
	tag, err := ParseCommandComplete(got)
	if err != nil || tag != "SELECT 3" {
		t.Fatalf("CommandComplete round trip failed: tag=%q err=%v", tag, err)
	}

	got = roundTrip(t, BuildReadyForQuery(TxStatusInTxn))
	status, err := ParseReadyForQuery(got)
	if err != nil || status != TxStatusInTxn {
		t.Fatalf("ReadyForQuery round trip failed: status=%c err=%v", status, err)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	fields := NewErrorFields("ERROR", "28P01", `password authentication failed for user "alice"`)
	got := roundTrip(t, BuildErrorResponse(fields))
	gotFields, err := ParseErrorResponse(got)
	if err != nil {
		t.Fatalf("ParseErrorResponse: %v", err)
	}
	if !reflect.DeepEqual(fields, gotFields) {
		t.Errorf("got %+v, want %+v", gotFields, fields)
	}
	code, ok := gotFields.Get(FieldCode)
	if !ok || code != "28P01" {
		t.Errorf("expected code 28P01, got %q (ok=%v)", code, ok)
	}
}

func TestStartupMessageRoundTrip(t *testing.T) {
	m := StartupMessage{
		ProtocolVersion: ProtocolVersion3,
		Parameters:      map[string]string{"user": "alice", "database": "shop"},
	}
	got := roundTrip(t, BuildStartupMessage(m))
	kind, classified, err := ClassifyStartup(got)
	if err != nil {
		t.Fatalf("ClassifyStartup: %v", err)
	}
	if kind != StartupKindMessage {
		t.Fatalf("expected StartupKindMessage, got %v", kind)
	}
	gotM, err := ParseStartupMessage(classified)
	if err != nil {
		t.Fatalf("ParseStartupMessage: %v", err)
	}
	if !reflect.DeepEqual(m, gotM) {
		t.Errorf("got %+v, want %+v", gotM, m)
	}
}

func TestMalformedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(TagQuery)
	buf.Write([]byte{0, 0, 0, 2}) // length 2 < 4
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for malformed length")
	}
}
