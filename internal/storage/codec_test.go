package storage

import (
	"bytes"
	"math"
	"math/big"
	"reflect"
	"testing"
)

func TestBinaryCodecRoundTrip(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	values := []any{
		nil,
		true,
		false,
		int64(0),
		int64(math.MinInt64),
		int64(math.MaxInt64),
		3.25,
		math.Inf(-1),
		"",
		"héllo\nwörld",
		[]byte{0, 1, 2, 255},
		huge,
		[]any{int64(1), "two", nil, []any{3.5}},
		map[string]any{"b": int64(2), "a": "x"},
	}
	c := BinaryCodec{}
	for _, v := range values {
		b, err := c.Encode(v)
		if err != nil {
			t.Fatalf("encode %#v: %v", v, err)
		}
		got, err := c.Decode(b)
		if err != nil {
			t.Fatalf("decode %#v: %v", v, err)
		}
		if bi, ok := v.(*big.Int); ok {
			if gb, ok := got.(*big.Int); !ok || gb.Cmp(bi) != 0 {
				t.Errorf("big int: got %v want %v", got, v)
			}
			continue
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("round trip: got %#v want %#v", got, v)
		}
	}
}

func TestBinaryCodecRecord(t *testing.T) {
	c := BinaryCodec{}
	rec := NewRecord([]string{"rowid", "name", "score"}, []any{int64(7), "ann", 1.5})
	b, err := c.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	r, ok := got.(*Record)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if !reflect.DeepEqual(r, rec) {
		t.Errorf("got %#v want %#v", r, rec)
	}
	if r.RowID() != 7 {
		t.Errorf("rowid = %d", r.RowID())
	}
}

func TestBinaryCodecDeterministicMaps(t *testing.T) {
	c := BinaryCodec{}
	m := map[string]any{"z": int64(1), "a": int64(2), "m": int64(3)}
	first, _ := c.Encode(m)
	for i := 0; i < 20; i++ {
		again, _ := c.Encode(m)
		if !bytes.Equal(first, again) {
			t.Fatal("map encoding is not stable")
		}
	}
}

func TestBinaryCodecRejectsGarbage(t *testing.T) {
	c := BinaryCodec{}
	cases := [][]byte{
		{},
		{0x02, 1, 2},
		{0x04, 10, 'a'},
		{0x7f},
		{0x00, 0x00},
	}
	for _, in := range cases {
		if _, err := c.Decode(in); err == nil {
			t.Errorf("decode %v: expected error", in)
		}
	}
	if _, err := c.Encode(struct{}{}); err == nil {
		t.Error("encode struct: expected error")
	}
}
