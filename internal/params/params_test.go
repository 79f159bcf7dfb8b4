package params

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// customEventText is the parameter tree the custom click handler on the queue
// test page sends, as the collector renders it.
const customEventText = `{"a":{},` +
	`"b":"c",` +
	`"d":{"a":[],"b":"g"},` +
	`"e":["1","2"],` +
	`"f":42,` +
	`"g":53.2,` +
	`"h":-37,` +
	`"i":-7.83E-9,` +
	`"j":true,` +
	`"k":false,` +
	`"l":null,` +
	`"m":"2015-06-13T15:49:33.002Z",` +
	`"n":{},` +
	`"o":[{},{"a":"b"},{"c":"d"}],` +
	`"p":[null,null,{"a":"b"},"custom",null,{}],` +
	`"q":{}}`

func customEventTree() Object {
	return Object{
		{"a", Object{}},
		{"b", String("c")},
		{"d", Object{{"a", Array{}}, {"b", String("g")}}},
		{"e", Array{String("1"), String("2")}},
		{"f", Int(42)},
		{"g", Float(53.2)},
		{"h", Int(-37)},
		{"i", Float(-7.83e-9)},
		{"j", Bool(true)},
		{"k", Bool(false)},
		{"l", Null{}},
		{"m", String(FormatTime(time.Date(2015, 6, 13, 15, 49, 33, 2_000_000, time.UTC)))},
		{"n", Object{}},
		{"o", Array{Object{}, Object{{"a", String("b")}}, Object{{"c", String("d")}}}},
		{"p", Array{Null{}, Null{}, Object{{"a", String("b")}}, String("custom"), Null{}, Object{}}},
		{"q", Object{}},
	}
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestEncodeCustomEventTree(t *testing.T) {
	got := Encode(customEventTree())
	if got != customEventText {
		t.Errorf("unexpected encoding\n got: %s\nwant: %s", got, customEventText)
	}
}

func TestDecodeCustomEventText(t *testing.T) {
	v, err := Decode([]byte(customEventText))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !Equal(v, customEventTree()) {
		t.Errorf("decoded tree differs from original: %s", Encode(v))
	}
	if again := Encode(v); again != customEventText {
		t.Errorf("re-encoding is not stable\n got: %s\nwant: %s", again, customEventText)
	}
}

func TestRoundTripIsStable(t *testing.T) {
	text := Encode(customEventTree())
	for i := 0; i < 3; i++ {
		v, err := Decode([]byte(text))
		if err != nil {
			t.Fatalf("round %d: Decode() error: %v", i, err)
		}
		next := Encode(v)
		if next != text {
			t.Fatalf("round %d: encoding changed\n got: %s\nwant: %s", i, next, text)
		}
	}
}

func TestDecodeKeepsKeyOrder(t *testing.T) {
	v, err := Decode([]byte(`{"z":1,"a":2,"m":3}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	obj := v.(Object)
	got := strings.Join(obj.Keys(), ",")
	if got != "z,a,m" {
		t.Errorf("expected insertion order z,a,m, got %s", got)
	}
}

func TestDecodeDuplicateKeyKeepsFirstPosition(t *testing.T) {
	v, err := Decode([]byte(`{"a":1,"b":2,"a":3}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := Encode(v); got != `{"a":3,"b":2}` {
		t.Errorf("unexpected encoding: %s", got)
	}
}

// ---------------------------------------------------------------------------
// Numbers
// ---------------------------------------------------------------------------

func TestEncodeNumbers(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Int(0), "0"},
		{Int(42), "42"},
		{Int(-37), "-37"},
		{Int(math.MaxInt64), "9223372036854775807"},
		{Float(53.2), "53.2"},
		{Float(42), "42.0"},
		{Float(0), "0.0"},
		{Float(0.001), "0.001"},
		{Float(0.0001), "1.0E-4"},
		{Float(-7.83e-9), "-7.83E-9"},
		{Float(1234567.5), "1234567.5"},
		{Float(1e7), "1.0E7"},
		{Float(1.5e300), "1.5E300"},
		{Float(math.NaN()), "null"},
		{Float(math.Inf(1)), "null"},
	}

	for _, tt := range tests {
		if got := Encode(tt.v); got != tt.want {
			t.Errorf("Encode(%#v) = %s, want %s", tt.v, got, tt.want)
		}
	}
}

func TestDecodeNumberKinds(t *testing.T) {
	tests := []struct {
		text string
		kind Kind
	}{
		{"42", KindInt},
		{"-37", KindInt},
		{"42.0", KindFloat},
		{"53.2", KindFloat},
		{"-7.83E-9", KindFloat},
		{"1e3", KindFloat},
		{"92233720368547758070", KindFloat},
	}

	for _, tt := range tests {
		v, err := Decode([]byte(tt.text))
		if err != nil {
			t.Errorf("Decode(%s) error: %v", tt.text, err)
			continue
		}
		if v.Kind() != tt.kind {
			t.Errorf("Decode(%s) kind = %s, want %s", tt.text, v.Kind(), tt.kind)
		}
	}
}

func TestIntAndFloatAreDistinct(t *testing.T) {
	if Equal(Int(42), Float(42)) {
		t.Error("expected Int(42) and Float(42) to differ")
	}
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

func TestEncodeStringEscapes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", `"plain"`},
		{`quote"back\`, `"quote\"back\\"`},
		{"line\nbreak\ttab", `"line\nbreak\ttab"`},
		{"\x01", `"\u0001"`},
		{"<a href='x'>&</a>", `"<a href='x'>&</a>"`},
		{"héllo ☃", `"héllo ☃"`},
		{"bad\xffbyte", `"bad\ufffdbyte"`},
	}

	for _, tt := range tests {
		if got := Encode(String(tt.in)); got != tt.want {
			t.Errorf("Encode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Null vs absent
// ---------------------------------------------------------------------------

func TestNullIsDistinctFromAbsent(t *testing.T) {
	withNull, err := Decode([]byte(`{"l":null}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	empty, err := Decode([]byte(`{}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if Equal(withNull, empty) {
		t.Error("expected {\"l\":null} and {} to differ")
	}
	v, ok := withNull.(Object).Get("l")
	if !ok {
		t.Fatal("expected key l to be present")
	}
	if v.Kind() != KindNull {
		t.Errorf("expected null, got %s", v.Kind())
	}
	if _, ok := empty.(Object).Get("l"); ok {
		t.Error("expected key l to be absent")
	}
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

func TestEqualIgnoresObjectOrder(t *testing.T) {
	a := Object{{"x", Int(1)}, {"y", Array{String("a"), Null{}}}}
	b := Object{{"y", Array{String("a"), Null{}}}, {"x", Int(1)}}
	if !Equal(a, b) {
		t.Error("expected objects with reordered members to be equal")
	}
}

func TestEqualRespectsArrayOrder(t *testing.T) {
	a := Array{Int(1), Int(2)}
	b := Array{Int(2), Int(1)}
	if Equal(a, b) {
		t.Error("expected arrays with different order to differ")
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"truncated object", `{"a":`},
		{"bare word", `nope`},
		{"missing colon", `{"a" 1}`},
		{"overflow", `1e999`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.text)); err == nil {
				t.Errorf("expected error for %q", tt.text)
			}
		})
	}
}

func TestDecodeTrailingData(t *testing.T) {
	_, err := Decode([]byte(`{} {}`))
	if !errors.Is(err, ErrTrailingData) {
		t.Errorf("expected ErrTrailingData, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Go conversion
// ---------------------------------------------------------------------------

func TestFromGo(t *testing.T) {
	ts := time.Date(2015, 6, 13, 17, 49, 33, 2_000_000, time.FixedZone("CEST", 2*60*60))
	v, err := FromGo(map[string]any{
		"when":  ts,
		"count": 3,
		"ratio": 0.5,
		"tags":  []string{"x", "y"},
		"none":  nil,
		"ok":    true,
	})
	if err != nil {
		t.Fatalf("FromGo() error: %v", err)
	}

	want := `{"count":3,"none":null,"ok":true,"ratio":0.5,"tags":["x","y"],"when":"2015-06-13T15:49:33.002Z"}`
	if got := Encode(v); got != want {
		t.Errorf("unexpected encoding\n got: %s\nwant: %s", got, want)
	}
}

func TestFromGoUnsupported(t *testing.T) {
	if _, err := FromGo(struct{ A int }{1}); err == nil {
		t.Error("expected error for struct value")
	}
	if _, err := FromGo(map[int]string{1: "a"}); err == nil {
		t.Error("expected error for non-string map keys")
	}
}

func TestExport(t *testing.T) {
	got := Export(Object{{"a", Array{Int(1), Float(1.5), Null{}}}, {"b", Bool(true)}})
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", got)
	}
	arr := m["a"].([]any)
	if arr[0] != int64(1) || arr[1] != 1.5 || arr[2] != nil {
		t.Errorf("unexpected array: %#v", arr)
	}
	if m["b"] != true {
		t.Errorf("expected b=true, got %v", m["b"])
	}
}

// ---------------------------------------------------------------------------
// JSON embedding
// ---------------------------------------------------------------------------

func TestMarshalJSONEmbedsCanonicalText(t *testing.T) {
	body := map[string]any{"parameters": customEventTree()}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	want := `{"parameters":` + customEventText + `}`
	if string(data) != want {
		t.Errorf("unexpected JSON\n got: %s\nwant: %s", data, want)
	}
}
