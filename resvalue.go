package apkmeta

import (
	"fmt"
	"math"
	"strconv"
)

// Typed value variants used by both compiled XML attributes and resource
// table entries. The wire form is Res_value: u16 size, u8 reserved, u8 type
// tag, u32 data.
type ValueType uint8

const (
	ValueNull             ValueType = 0x00
	ValueReference        ValueType = 0x01
	ValueAttribute        ValueType = 0x02
	ValueString           ValueType = 0x03
	ValueFloat            ValueType = 0x04
	ValueDimension        ValueType = 0x05
	ValueFraction         ValueType = 0x06
	ValueDynamicReference ValueType = 0x07

	ValueIntDec  ValueType = 0x10
	ValueIntHex  ValueType = 0x11
	ValueIntBool ValueType = 0x12

	ValueIntColorArgb8 ValueType = 0x1c
	ValueIntColorRgb8  ValueType = 0x1d
	ValueIntColorArgb4 ValueType = 0x1e
	ValueIntColorRgb4  ValueType = 0x1f

	valueFirstInt   ValueType = 0x10
	valueLastInt    ValueType = 0x1f
	valueFirstColor ValueType = 0x1c
	valueLastColor  ValueType = 0x1f
)

// ResValue is one typed value plus the raw 32-bit payload. References keep
// the raw resource id in Data for later resolution.
type ResValue struct {
	Size uint16
	Res0 uint8
	Type ValueType
	Data uint32

	pool *stringPool
}

func parseResValue(c *byteCursor, pool *stringPool) (v ResValue, err error) {
	if v.Size, err = c.uint16(); err != nil {
		return
	}
	if v.Res0, err = c.uint8(); err != nil {
		return
	}
	var t uint8
	if t, err = c.uint8(); err != nil {
		return
	}
	v.Type = ValueType(t)
	if v.Data, err = c.uint32(); err != nil {
		return
	}
	v.pool = pool
	return
}

// IsReference reports whether the value is an indirect resource reference.
func (v *ResValue) IsReference() bool {
	return v.Type == ValueReference || v.Type == ValueDynamicReference
}

// String renders the value the way aapt prints it. String-typed values
// resolve through the owning pool.
func (v *ResValue) String() (string, error) {
	switch {
	case v.Type == ValueNull:
		return "", nil
	case v.Type == ValueString:
		if v.pool == nil {
			return "", fmt.Errorf("string value without a string pool")
		}
		return v.pool.get(v.Data)
	case v.Type == ValueReference || v.Type == ValueDynamicReference:
		return fmt.Sprintf("@%s%08X", refPackagePrefix(v.Data), v.Data), nil
	case v.Type == ValueAttribute:
		return fmt.Sprintf("?%s%08X", refPackagePrefix(v.Data), v.Data), nil
	case v.Type == ValueFloat:
		return fmt.Sprintf("%g", math.Float32frombits(v.Data)), nil
	case v.Type == ValueDimension:
		return fmt.Sprintf("%g%s", complexToFloat(v.Data), dimensionUnits[v.Data&complexUnitMask]), nil
	case v.Type == ValueFraction:
		return fmt.Sprintf("%g%s", complexToFloat(v.Data)*100, fractionUnits[v.Data&0x1]), nil
	case v.Type == ValueIntBool:
		return strconv.FormatBool(v.Data != 0), nil
	case v.Type == ValueIntHex:
		return fmt.Sprintf("0x%x", v.Data), nil
	case v.Type >= valueFirstColor && v.Type <= valueLastColor:
		return fmt.Sprintf("#%08x", v.Data), nil
	case v.Type >= valueFirstInt && v.Type <= valueLastInt:
		return strconv.FormatInt(int64(int32(v.Data)), 10), nil
	default:
		return "", fmt.Errorf("unhandled value type 0x%02x", uint8(v.Type))
	}
}

// refPackagePrefix mirrors aapt: references into the framework package get
// the android: prefix.
func refPackagePrefix(resId uint32) string {
	if resId>>24 == 0x01 {
		return "android:"
	}
	return ""
}

const complexUnitMask = 0xf

// TypedValue.complexToFloat: 24-bit mantissa scaled by one of four radix
// positions selected by bits 4-5.
var radixMults = [4]float64{
	1.0 / (1 << 8),
	1.0 / (1 << 15),
	1.0 / (1 << 23),
	1.0 / (1 << 31),
}

var dimensionUnits = [16]string{"px", "dip", "sp", "pt", "in", "mm"}
var fractionUnits = [2]string{"%", "%p"}

func complexToFloat(data uint32) float64 {
	return float64(data&0xFFFFFF00) * radixMults[(data>>4)&3]
}
