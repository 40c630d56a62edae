package extent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/asch/virtnbdbackup/internal/nbdtransport"
)

func TestMergeCoalescesAdjacentSameFlag(t *testing.T) {
	in := []Extent{
		{Offset: 0, Length: 4096, Data: true},
		{Offset: 4096, Length: 4096, Data: true},
		{Offset: 8192, Length: 4096, Data: false},
	}

	got := Merge(in, 12288)
	want := []Extent{
		{Offset: 0, Length: 8192, Data: true},
		{Offset: 8192, Length: 4096, Data: false},
	}

	if len(got) != len(want) {
		t.Fatalf("got %d extents, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("extent %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMergePadsTrailingGap(t *testing.T) {
	in := []Extent{{Offset: 0, Length: 4096, Data: true}}
	got := Merge(in, 1<<20)

	last := got[len(got)-1]
	if last.Data {
		t.Fatalf("expected trailing hole, got %+v", last)
	}
	if last.Offset+last.Length != 1<<20 {
		t.Fatalf("extents do not cover diskSize: last=%+v", last)
	}
}

func TestMergeEmptyInput(t *testing.T) {
	got := Merge(nil, 4096)
	if len(got) != 1 || got[0].Data {
		t.Fatalf("expected single hole extent, got %+v", got)
	}
}

type fakeClient struct {
	extents map[uint64][]nbdtransport.Extent
	size    uint64
}

func (f *fakeClient) GetSize() (uint64, error)       { return f.size, nil }
func (f *fakeClient) MaxRequestSize() uint64         { return 1 << 20 }
func (f *fakeClient) Pread(buf []byte, offset uint64) error  { return nil }
func (f *fakeClient) Pwrite(buf []byte, offset uint64) error { return nil }
func (f *fakeClient) Disconnect() error              { return nil }
func (f *fakeClient) BlockStatus(offset, length uint64) ([]nbdtransport.Extent, error) {
	return f.extents[offset], nil
}

func TestNBDHandlerWalksInChunks(t *testing.T) {
	client := &fakeClient{
		size: 8192,
		extents: map[uint64][]nbdtransport.Extent{
			0:    {{Offset: 0, Length: 4096, Data: true}},
			4096: {{Offset: 4096, Length: 4096, Data: false}},
		},
	}

	h := &NBDHandler{Client: client, DiskSize: 8192, QueryChunk: 4096}
	got, err := h.QueryBlockStatus()
	if err != nil {
		t.Fatalf("QueryBlockStatus: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d extents, want 2: %+v", len(got), got)
	}
	if got[0].Data != true || got[1].Data != false {
		t.Fatalf("unexpected flags: %+v", got)
	}
}

func TestToolHandlerParsesQemuImgMap(t *testing.T) {
	entries := []qemuImgMapEntry{
		{Start: 0, Length: 4096, Data: true, Zero: false},
		{Start: 4096, Length: 4096, Data: false, Zero: true},
	}
	out, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}

	h := &ToolHandler{
		ImagePath: "/tmp/disk.img",
		Exec: func(name string, args ...string) ([]byte, error) {
			return out, nil
		},
	}

	got, err := h.QueryBlockStatus()
	if err != nil {
		t.Fatalf("QueryBlockStatus: %v", err)
	}
	if len(got) != 2 || !got[0].Data || got[1].Data {
		t.Fatalf("unexpected extents: %+v", got)
	}
}

func TestToolHandlerPropagatesExecError(t *testing.T) {
	h := &ToolHandler{
		ImagePath: "/tmp/disk.img",
		Exec: func(name string, args ...string) ([]byte, error) {
			return nil, errors.New("no such file")
		},
	}

	if _, err := h.QueryBlockStatus(); err == nil {
		t.Fatal("expected error")
	}
}

func TestMetaContextName(t *testing.T) {
	if got := MetaContextName("virtnbdbackup.3", "vda", true); got != "qemu:dirty-bitmap:virtnbdbackup.3" {
		t.Fatalf("offline context: got %q", got)
	}
	if got := MetaContextName("virtnbdbackup.3", "vda", false); got != "qemu:dirty-bitmap:backup-vda" {
		t.Fatalf("online context: got %q", got)
	}
}
