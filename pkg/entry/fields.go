package entry

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FieldReader hands a single field value to a ConsumeFields callback.
type FieldReader struct {
	err error
	b   []byte
	n   int
}

func (r *FieldReader) Bytes() []byte {
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.n = n
	return append([]byte(nil), v...)
}

func (r *FieldReader) Varint() uint64 {
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.n = n
	return v
}

// ConsumeFields walks a protowire message, calling fn once per field. fn must
// read the value through the reader exactly once.
func ConsumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, r *FieldReader) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		r := &FieldReader{b: b}
		if err := fn(num, typ, r); err != nil {
			return err
		}
		if r.err != nil {
			return r.err
		}
		if r.n == 0 {
			return fmt.Errorf("%w: field %d not consumed", errMalformed, num)
		}
		b = b[r.n:]
	}
	return nil
}
