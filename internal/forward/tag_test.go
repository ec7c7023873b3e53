package forward

import (
	"bytes"
	"errors"
	"testing"
)

func TestTag_WireFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTag(&buf, 0x01020304); err != nil {
		t.Fatalf("WriteTag: %v", err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("tag bytes = %v, want big-endian [1 2 3 4]", got)
	}

	buf.WriteString("payload")
	port, err := ReadTag(&buf)
	if err != nil {
		t.Fatalf("ReadTag: %v", err)
	}
	if port != 0x01020304 {
		t.Errorf("ReadTag = %#x", port)
	}
	if buf.String() != "payload" {
		t.Errorf("ReadTag consumed payload bytes, remaining %q", buf.String())
	}
}

func TestReadTag_Short(t *testing.T) {
	for _, in := range [][]byte{nil, {0}, {0, 0, 1}} {
		if _, err := ReadTag(bytes.NewReader(in)); !errors.Is(err, ErrShortTag) {
			t.Errorf("ReadTag(%v) = %v, want ErrShortTag", in, err)
		}
	}
}
