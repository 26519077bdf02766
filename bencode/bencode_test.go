package bencode

import (
	"bytes"
	"testing"
)

func TestMarshalDict(t *testing.T) {
	var buf bytes.Buffer
	err := Marshal(&buf, map[string]string{"cow": "moo", "spam": "eggs"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := "d3:cow3:moo4:spam4:eggse"
	if buf.String() != want {
		t.Fatalf("Marshal() = %q, want %q", buf.String(), want)
	}
}

func TestMarshalList(t *testing.T) {
	var buf bytes.Buffer
	err := Marshal(&buf, []interface{}{"spam", 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := "l4:spami42ee"
	if buf.String() != want {
		t.Fatalf("Marshal() = %q, want %q", buf.String(), want)
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	type inner struct {
		Cow  string `bencode:"cow"`
		Spam string `bencode:"spam"`
	}

	var buf bytes.Buffer
	in := inner{Cow: "moo", Spam: "eggs"}
	if err := Marshal(&buf, in); err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out inner
	if err := Unmarshal(&buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestRawDictValue(t *testing.T) {
	data := []byte("d8:announce19:http://example.com/4:infod6:lengthi100e4:name5:filesee")

	raw, err := RawDictValue(data, "info")
	if err != nil {
		t.Fatalf("RawDictValue: %v", err)
	}

	want := "d6:lengthi100e4:name5:filese"
	if string(raw) != want {
		t.Fatalf("RawDictValue() = %q, want %q", raw, want)
	}
}

func TestRawDictValueMissingKey(t *testing.T) {
	_, err := RawDictValue([]byte("d8:announce3:foo"), "info")
	if err == nil {
		t.Fatal("expected error for missing info key")
	}
}

func TestRawDictValueUnterminated(t *testing.T) {
	_, err := RawDictValue([]byte("d4:infod6:lengthi100e"), "info")
	if err == nil {
		t.Fatal("expected error for unterminated dictionary")
	}
}
