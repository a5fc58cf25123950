package apkmeta

import (
	"math"
	"testing"
)

func renderValue(t *testing.T, typ ValueType, data uint32) string {
	t.Helper()
	v := ResValue{Size: 8, Type: typ, Data: data}
	s, err := v.String()
	if err != nil {
		t.Fatalf("type 0x%02x: %v", uint8(typ), err)
	}
	return s
}

func TestResValueRendering(t *testing.T) {
	cases := []struct {
		typ  ValueType
		data uint32
		want string
	}{
		{ValueNull, 0, ""},
		{ValueIntDec, 42, "42"},
		{ValueIntDec, 0xFFFFFFFF, "-1"},
		{ValueIntHex, 0x7f, "0x7f"},
		{ValueIntBool, 0, "false"},
		{ValueIntBool, 0xFFFFFFFF, "true"},
		{ValueIntColorArgb8, 0xFF00FF00, "#ff00ff00"},
		{ValueReference, 0x7f010000, "@7F010000"},
		{ValueReference, 0x010100d0, "@android:010100D0"},
		{ValueAttribute, 0x01010000, "?android:01010000"},
		{ValueFloat, math.Float32bits(1.5), "1.5"},
		// 16dip: mantissa 16 << 8, radix 0, unit 1.
		{ValueDimension, 16<<8 | 1, "16dip"},
		// 25%: 0.25 in radix 3 (mantissa scaled by 1/2^31).
		{ValueFraction, 0x20000000 | 3<<4, "25%"},
	}

	for _, c := range cases {
		if got := renderValue(t, c.typ, c.data); got != c.want {
			t.Errorf("type 0x%02x data 0x%x = %q, want %q", uint8(c.typ), c.data, got, c.want)
		}
	}
}

func TestResValueStringThroughPool(t *testing.T) {
	pool := mustParsePool(t, buildStringPool(false, "hello"))
	v := ResValue{Type: ValueString, Data: 0, pool: pool}
	s, err := v.String()
	if err != nil || s != "hello" {
		t.Fatalf("string value = %q, %v", s, err)
	}

	v.pool = nil
	if _, err := v.String(); err == nil {
		t.Fatal("string value without a pool did not error")
	}
}

func TestComplexToFloat(t *testing.T) {
	// Radix 0 keeps the mantissa whole.
	if got := complexToFloat(16 << 8); got != 16 {
		t.Fatalf("radix 0 = %g, want 16", got)
	}
	// Radix 3 scales by 1/2^31: 0x20000000 is 0.25.
	if got := complexToFloat(0x20000000 | 3<<4); got != 0.25 {
		t.Fatalf("radix 3 = %g, want 0.25", got)
	}
}
