package memory_map

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"goinject/process"
)

func TestParseRegion(t *testing.T) {
	tests := []struct {
		line string
		want Region
	}{
		{
			line: "57d96022000-557d96024000 r--p 00000000 fd:01 94634132                   /usr/bin/cat",
			want: Region{Start: 0x57d96022000, End: 0x557d96024000, Perms: PermRead | PermPrivate, Offset: 0, Device: "fd:01", Inode: 94634132, Pathname: "/usr/bin/cat"},
		},
		{
			line: "55f7e27d5000-55f7e27f6000 rw-p 00000000 00:00 0                          [heap]",
			want: Region{Start: 0x55f7e27d5000, End: 0x55f7e27f6000, Perms: PermRead | PermWrite | PermPrivate, Device: "00:00", Pathname: "[heap]"},
		},
		{
			line: "7f02806ff000-7f0280701000 rw-p 00000000 00:00 0",
			want: Region{Start: 0x7f02806ff000, End: 0x7f0280701000, Perms: PermRead | PermWrite | PermPrivate, Device: "00:00"},
		},
		{
			line: "7f0280701000-7f0280702000 r-xp 0001a000 08:02 1234 /tmp/with space (deleted)\n",
			want: Region{Start: 0x7f0280701000, End: 0x7f0280702000, Perms: PermRead | PermExec | PermPrivate, Offset: 0x1a000, Device: "08:02", Inode: 1234, Pathname: "/tmp/with space (deleted)"},
		},
		{
			line: "ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0                  [vsyscall]",
			want: Region{Start: 0xffffffffff600000, End: 0xffffffffff601000, Perms: PermExec | PermPrivate, Device: "00:00", Pathname: "[vsyscall]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.want.Pathname, func(t *testing.T) {
			got, err := ParseRegion(tt.line)
			if err != nil {
				t.Fatalf("ParseRegion: %v", err)
			}
			if got != tt.want {
				t.Errorf("got  %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestParsePerms(t *testing.T) {
	tests := map[string]Perm{
		"r--p": PermRead | PermPrivate,
		"rw-p": PermRead | PermWrite | PermPrivate,
		"r-xs": PermRead | PermExec,
		"----": 0,
		"?z!q": 0,
		"rwxp": PermRead | PermWrite | PermExec | PermPrivate,
	}
	for s, want := range tests {
		if got := ParsePerms(s); got != want {
			t.Errorf("ParsePerms(%q) = %04b, want %04b", s, got, want)
		}
	}

	if got := (PermRead | PermExec | PermPrivate).String(); got != "r-xp" {
		t.Errorf("String = %q", got)
	}
}

func TestParseRegionInodeIsDecimal(t *testing.T) {
	r, err := ParseRegion("1000-2000 r--p 00000000 fd:01 94634132")
	if err != nil {
		t.Fatal(err)
	}
	if r.Inode != 94634132 {
		t.Errorf("inode = %d, want 94634132", r.Inode)
	}
}

func TestParseRegionMalformed(t *testing.T) {
	lines := []string{
		"",
		"1000-2000 r--p 00000000 fd:01",
		"1000-2000",
		"10002000 r--p 00000000 fd:01 0",
		"zz00-2000 r--p 00000000 fd:01 0",
		"1000-2000 r--p 0000000g fd:01 0",
		"1000-2000 r--p 00000000 fd:01 1a",
		"2000-1000 r--p 00000000 fd:01 0",
		"1000-2000  r--p 00000000 fd:01 0",
	}
	for _, line := range lines {
		if _, err := ParseRegion(line); !errors.Is(err, process.ErrParse) {
			t.Errorf("ParseRegion(%q) err = %v, want ErrParse", line, err)
		}
	}
}

// Reparsing a record rebuilt from the parsed fields yields the same region.
func TestParseRegionReparse(t *testing.T) {
	first, err := ParseRegion("7f0280701000-7f0280702000 r-xp 0001a000 08:02 1234        /usr/lib/libc.so.6")
	if err != nil {
		t.Fatal(err)
	}
	second, err := ParseRegion(first.String())
	if err != nil {
		t.Fatalf("reparse %q: %v", first.String(), err)
	}
	if first != second {
		t.Errorf("reparse changed region:\n%+v\n%+v", first, second)
	}
}

type staticMaps struct {
	listings []string
	reads    int
}

func (s *staticMaps) ReadMemoryMap(pid int) ([]Region, error) {
	i := s.reads
	if i >= len(s.listings) {
		i = len(s.listings) - 1
	}
	s.reads++
	return ReadRegions(strings.NewReader(s.listings[i]))
}

const listing = `55f7e2000000-55f7e2001000 r--p 00000000 fd:01 100 /usr/bin/target
55f7e2001000-55f7e2002000 r-xp 00001000 fd:01 100 /usr/bin/target
55f7e27d5000-55f7e27f6000 rw-p 00000000 00:00 0                          [heap]
7f0280000000-7f0280020000 r-xp 00000000 fd:01 200 /usr/lib/libc.so.6
`

func TestProcessMapRefresh(t *testing.T) {
	src := &staticMaps{listings: []string{
		listing,
		listing + "7f0290000000-7f0290001000 rwxp 00000000 00:00 0\n",
	}}

	pm, err := NewProcessMap(42, src)
	if err != nil {
		t.Fatalf("NewProcessMap: %v", err)
	}
	if n := len(pm.Regions()); n != 4 {
		t.Fatalf("got %d regions, want 4", n)
	}
	if _, ok := pm.FindRegion(0x7f0290000000); ok {
		t.Fatal("new region visible before refresh")
	}

	if err := pm.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n := len(pm.Regions()); n != 5 {
		t.Fatalf("got %d regions after refresh, want 5", n)
	}
	r, ok := pm.FindRegion(0x7f0290000800)
	if !ok || !r.Perms.Has(PermRead|PermWrite|PermExec) {
		t.Errorf("FindRegion = %+v, %v", r, ok)
	}
}

func TestProcessMapFindRegion(t *testing.T) {
	pm, err := NewProcessMap(1, &staticMaps{listings: []string{listing}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr process.ProcessMemoryAddress
		want process.ProcessMemoryAddress
		ok   bool
	}{
		{0x55f7e2000000, 0x55f7e2000000, true},
		{0x55f7e2001fff, 0x55f7e2001000, true},
		{0x55f7e2002000, 0, false}, // end is exclusive
		{0x1000, 0, false},
		{0x7f028001ffff, 0x7f0280000000, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%x", uint64(tt.addr)), func(t *testing.T) {
			r, ok := pm.FindRegion(tt.addr)
			if ok != tt.ok || (ok && r.Start != tt.want) {
				t.Errorf("FindRegion = %s, %v", r, ok)
			}
		})
	}
}

func TestProcessMapLoadFailsOnBadLine(t *testing.T) {
	src := &staticMaps{listings: []string{listing + "garbage\n"}}
	_, err := NewProcessMap(1, src)
	if !errors.Is(err, process.ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	if !strings.Contains(err.Error(), "line 5") {
		t.Errorf("error does not name the line: %v", err)
	}
}

func TestProcessMapRefreshKeepsSnapshotOnError(t *testing.T) {
	src := &staticMaps{listings: []string{listing, "bad"}}
	pm, err := NewProcessMap(1, src)
	if err != nil {
		t.Fatal(err)
	}
	if err := pm.Refresh(); err == nil {
		t.Fatal("expected refresh error")
	}
	if n := len(pm.Regions()); n != 4 {
		t.Errorf("snapshot has %d regions after failed refresh, want 4", n)
	}
}
