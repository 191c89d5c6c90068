package memory_map

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"goinject/process"
)

// Perm is the set of permission flags of a mapped region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermPrivate // copy-on-write mapping, the 'p' in "r-xp"
)

// Has reports whether every flag in q is set.
func (p Perm) Has(q Perm) bool {
	return p&q == q
}

// String renders the flags the way /proc/[pid]/maps does.
func (p Perm) String() string {
	b := []byte("---s")
	if p.Has(PermRead) {
		b[0] = 'r'
	}
	if p.Has(PermWrite) {
		b[1] = 'w'
	}
	if p.Has(PermExec) {
		b[2] = 'x'
	}
	if p.Has(PermPrivate) {
		b[3] = 'p'
	}
	return string(b)
}

// ParsePerms maps each character independently. Unknown characters add nothing.
func ParsePerms(s string) Perm {
	var p Perm
	for _, c := range s {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case 'p':
			p |= PermPrivate
		}
	}
	return p
}

// Region is one line of /proc/[pid]/maps: the half-open interval [Start, End).
type Region struct {
	Start    process.ProcessMemoryAddress
	End      process.ProcessMemoryAddress
	Perms    Perm
	Offset   uint64 // offset into the backing file, meaningless without Pathname
	Device   string // major:minor
	Inode    uint64 // 0 for anonymous mappings
	Pathname string // file path, [heap]/[stack]/..., or empty
}

// Size returns the length of the region in bytes
func (r Region) Size() process.ProcessMemorySize {
	return process.ProcessMemorySize(r.End - r.Start)
}

// Contains reports whether addr lies inside the region
func (r Region) Contains(addr process.ProcessMemoryAddress) bool {
	return addr >= r.Start && addr < r.End
}

func (r Region) IsReadable() bool   { return r.Perms.Has(PermRead) }
func (r Region) IsExecutable() bool { return r.Perms.Has(PermExec) }

// String returns the region in maps notation
func (r Region) String() string {
	s := fmt.Sprintf("%08x-%08x %s %08x %s %d", uint64(r.Start), uint64(r.End), r.Perms, r.Offset, r.Device, r.Inode)
	if r.Pathname != "" {
		s += " " + r.Pathname
	}
	return s
}

// ParseRegion parses one maps record:
//
//	start-end perms offset device inode [pathname]
//
// Addresses and offset are hex, the inode is decimal. The kernel pads the
// pathname column with spaces; that padding is not part of the name.
func ParseRegion(line string) (Region, error) {
	line = strings.TrimRight(line, "\r\n")

	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 5 {
		return Region{}, fmt.Errorf("%w: want at least 5 fields, got %d: %q", process.ErrParse, len(fields), line)
	}
	for i, f := range fields[:5] {
		if f == "" {
			return Region{}, fmt.Errorf("%w: field %d is empty: %q", process.ErrParse, i+1, line)
		}
	}

	startStr, endStr, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Region{}, fmt.Errorf("%w: bad address range %q", process.ErrParse, fields[0])
	}
	start, err := strconv.ParseUint(startStr, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: start address %q: %v", process.ErrParse, startStr, err)
	}
	end, err := strconv.ParseUint(endStr, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: end address %q: %v", process.ErrParse, endStr, err)
	}
	if start >= end {
		return Region{}, fmt.Errorf("%w: empty range %q", process.ErrParse, fields[0])
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: offset %q: %v", process.ErrParse, fields[2], err)
	}

	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Region{}, fmt.Errorf("%w: inode %q: %v", process.ErrParse, fields[4], err)
	}

	var pathname string
	if len(fields) == 6 {
		pathname = strings.TrimSpace(fields[5])
	}

	return Region{
		Start:    process.ProcessMemoryAddress(start),
		End:      process.ProcessMemoryAddress(end),
		Perms:    ParsePerms(fields[1]),
		Offset:   offset,
		Device:   fields[3],
		Inode:    inode,
		Pathname: pathname,
	}, nil
}

// GetMemoryRegionForAddress returns the region containing an address.
// regions must be sorted by Start.
func GetMemoryRegionForAddress(addr process.ProcessMemoryAddress, regions []Region) *Region {
	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].End > addr
	})
	if i < len(regions) && regions[i].Start <= addr {
		return &regions[i]
	}

	return nil
}
