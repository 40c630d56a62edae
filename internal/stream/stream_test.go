package stream

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		kind   Kind
		start  uint64
		length uint64
	}{
		{META, 0, 128},
		{DATA, 262144, 4096},
		{ZERO, 786432, 4096},
		{STOP, 0, 0},
	}

	for _, c := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, c.kind, c.start, c.length); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}

		kind, start, length, err := ReadFrame(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if kind != c.kind || start != c.start || length != c.length {
			t.Fatalf("got (%v,%d,%d), want (%v,%d,%d)", kind, start, length, c.kind, c.start, c.length)
		}
	}
}

func TestReadFrameMalformedKind(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX 0000000000000000 0000000000000000\n")

	_, _, _, err := ReadFrame(bufio.NewReader(&buf))
	if err == nil {
		t.Fatal("expected error for unknown frame kind")
	}
}

func TestTermRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte("payload"))
	buf.Write(TERM)

	r := bytes.NewReader(buf.Bytes()[len("payload"):])
	if err := ReadTerm(r); err != nil {
		t.Fatalf("ReadTerm: %v", err)
	}
}

func TestReadTermMissing(t *testing.T) {
	r := bytes.NewReader([]byte("short"))
	if err := ReadTerm(r); err == nil {
		t.Fatal("expected error for missing TERM")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := StreamMetadata{
		VirtualSize:    1 << 20,
		DataSize:       4096,
		DiskName:       "vda",
		DiskFormat:     "raw",
		CheckpointName: "virtnbdbackup.0",
		StreamVersion:  CurrentStreamVersion,
		Incremental:    false,
		Compressed:     true,
		Date:           "2026-07-29T00:00:00Z",
	}

	b, err := WriteMetadata(meta)
	if err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	got, err := LoadMetadata(b)
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if got != meta {
		t.Fatalf("got %+v, want %+v", got, meta)
	}
}

func TestLoadMetadataMissingRequired(t *testing.T) {
	_, err := LoadMetadata([]byte(`{"virtualSize": 100}`))
	if err == nil {
		t.Fatal("expected error for missing diskName/streamVersion")
	}
}

func TestLoadMetadataIgnoresUnknownKeys(t *testing.T) {
	b := []byte(`{"diskName":"vda","streamVersion":1,"futureField":"x"}`)
	if _, err := LoadMetadata(b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCompressionTrailerRoundTrip(t *testing.T) {
	sizes := []ChunkSizes{
		{Single: 1024},
		{Chunked: true, UncompressedLen: []int64{100, 200, 300, 50}},
		{Single: 2048},
	}

	var buf bytes.Buffer
	if err := WriteCompressionTrailer(&buf, sizes); err != nil {
		t.Fatalf("WriteCompressionTrailer: %v", err)
	}

	got, err := ReadCompressionTrailerFromEnd(&buf)
	if err != nil {
		t.Fatalf("ReadCompressionTrailerFromEnd: %v", err)
	}

	if len(got) != len(sizes) {
		t.Fatalf("got %d entries, want %d", len(got), len(sizes))
	}
	for i := range sizes {
		if got[i].Chunked != sizes[i].Chunked || got[i].Single != sizes[i].Single {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], sizes[i])
		}
		if got[i].Chunked {
			if len(got[i].UncompressedLen) != len(sizes[i].UncompressedLen) {
				t.Fatalf("entry %d chunk count mismatch", i)
			}
		}
	}
}

func TestFullStreamFraming(t *testing.T) {
	// Emulates a full on-disk stream: META, one DATA, one ZERO, STOP.
	var buf bytes.Buffer

	metaBytes, err := WriteMetadata(StreamMetadata{
		DiskName: "vda", StreamVersion: CurrentStreamVersion, VirtualSize: 1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := WriteFrame(&buf, META, 0, uint64(len(metaBytes))); err != nil {
		t.Fatal(err)
	}
	buf.Write(metaBytes)
	buf.Write(TERM)

	payload := []byte("hello-data-payload")
	if err := WriteFrame(&buf, DATA, 0, uint64(len(payload))); err != nil {
		t.Fatal(err)
	}
	buf.Write(payload)
	buf.Write(TERM)

	if err := WriteFrame(&buf, ZERO, uint64(len(payload)), 4096); err != nil {
		t.Fatal(err)
	}

	if err := WriteFrame(&buf, STOP, 0, 0); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)

	kind, _, length, err := ReadFrame(r)
	if err != nil || kind != META {
		t.Fatalf("expected META frame, got %v err=%v", kind, err)
	}
	gotMeta := make([]byte, length)
	if _, err := r.Read(gotMeta); err != nil {
		t.Fatal(err)
	}
	if err := ReadTerm(r); err != nil {
		t.Fatalf("META TERM: %v", err)
	}

	kind, start, length, err := ReadFrame(r)
	if err != nil || kind != DATA || start != 0 || length != uint64(len(payload)) {
		t.Fatalf("expected DATA frame, got kind=%v start=%d length=%d err=%v", kind, start, length, err)
	}
	gotPayload := make([]byte, length)
	if _, err := r.Read(gotPayload); err != nil {
		t.Fatal(err)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", gotPayload, payload)
	}
	if err := ReadTerm(r); err != nil {
		t.Fatalf("DATA TERM: %v", err)
	}

	kind, start, length, err = ReadFrame(r)
	if err != nil || kind != ZERO || start != uint64(len(payload)) || length != 4096 {
		t.Fatalf("expected ZERO frame, got %v", err)
	}

	kind, _, _, err = ReadFrame(r)
	if err != nil || kind != STOP {
		t.Fatalf("expected STOP frame, got %v err=%v", kind, err)
	}

	if _, _, _, err := ReadFrame(r); err != io.EOF {
		t.Fatalf("expected EOF after STOP, got %v", err)
	}
}
