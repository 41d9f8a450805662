// Package bitfield packs and unpacks tagged struct fields into integers.
// It is a simplified version of golang.org/x/text/internal/gen/bitfield, used
// here to describe control register layouts field by field.
package bitfield

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	// Zero means no limit beyond 64.
	NumBits uint
}

type field struct {
	index  int
	name   string
	bits   uint
	offset uint
}

// fields walks the "bitfield" tags of t, lowest bit first.
func fields(t reflect.Type) ([]field, uint, error) {
	var out []field
	var bitOffset uint

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		// Tag is ",bits" or "name,bits"
		_, width, ok := strings.Cut(tag, ",")
		if !ok {
			return nil, 0, fmt.Errorf("invalid bitfield tag %q on field %s", tag, f.Name)
		}
		n, err := strconv.ParseUint(width, 10, 8)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid bitfield tag %q on field %s", tag, f.Name)
		}
		bits := uint(n)
		if bits == 0 {
			continue
		}
		if bits > 64 {
			return nil, 0, fmt.Errorf("field %s wants %d bits", f.Name, bits)
		}

		out = append(out, field{index: i, name: f.Name, bits: bits, offset: bitOffset})
		bitOffset += bits
	}

	if bitOffset > 64 {
		return nil, 0, fmt.Errorf("total bits %d exceeds 64", bitOffset)
	}
	return out, bitOffset, nil
}

func structValue(x interface{}, op string) (reflect.Value, error) {
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%s: expected struct, got %v", op, v.Kind())
	}
	return v, nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// Pack packs annotated bit ranges of struct x into an integer.
// Only fields that have a "bitfield" tag are compacted.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v, err := structValue(x, "Pack")
	if err != nil {
		return 0, err
	}

	fs, total, err := fields(v.Type())
	if err != nil {
		return 0, fmt.Errorf("Pack: %w", err)
	}

	for _, f := range fs {
		fieldValue := v.Field(f.index)
		var fieldBits uint64

		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fieldValue.Int()
			if val < 0 {
				return 0, fmt.Errorf("Pack: negative value %d for field %s", val, f.name)
			}
			fieldBits = uint64(val)
		default:
			return 0, fmt.Errorf("Pack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}

		if fieldBits > mask(f.bits) {
			return 0, fmt.Errorf("Pack: value %d exceeds %d bits for field %s", fieldBits, f.bits, f.name)
		}

		packed |= fieldBits << f.offset
	}

	if c.NumBits > 0 && total > c.NumBits {
		return 0, fmt.Errorf("Pack: total bits %d exceeds NumBits %d", total, c.NumBits)
	}

	return packed, nil
}

// Unpack is the inverse of Pack. x must be a pointer to a struct.
// Bits above the tagged width are ignored.
func Unpack(packed uint64, x interface{}) error {
	rv := reflect.ValueOf(x)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("Unpack: expected pointer to struct, got %v", rv.Kind())
	}
	v, err := structValue(x, "Unpack")
	if err != nil {
		return err
	}

	fs, _, err := fields(v.Type())
	if err != nil {
		return fmt.Errorf("Unpack: %w", err)
	}

	for _, f := range fs {
		fieldValue := v.Field(f.index)
		if !fieldValue.CanSet() {
			return fmt.Errorf("Unpack: field %s is not settable", f.name)
		}
		bits := (packed >> f.offset) & mask(f.bits)

		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fieldValue.SetInt(int64(bits))
		default:
			return fmt.Errorf("Unpack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}
	}
	return nil
}

// Width returns the number of bits described by the tags of struct x.
func Width(x interface{}) (uint, error) {
	v, err := structValue(x, "Width")
	if err != nil {
		return 0, err
	}
	_, total, err := fields(v.Type())
	return total, err
}
