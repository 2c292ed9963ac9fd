package geo

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
)

// PrefixTable is an IPLocator backed by CIDR blocks. The most specific
// matching block wins.
type PrefixTable struct {
	byBits map[int]map[netip.Prefix]Location
	bits   []int
}

// NewPrefixTable returns an empty table.
func NewPrefixTable() *PrefixTable {
	return &PrefixTable{byBits: make(map[int]map[netip.Prefix]Location)}
}

// Add registers a CIDR block.
func (p *PrefixTable) Add(cidr string, loc Location) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		addr, aerr := netip.ParseAddr(cidr)
		if aerr != nil {
			return fmt.Errorf("invalid network %q: %w", cidr, err)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	prefix = prefix.Masked()

	bucket, ok := p.byBits[prefix.Bits()]
	if !ok {
		bucket = make(map[netip.Prefix]Location)
		p.byBits[prefix.Bits()] = bucket
		p.bits = append(p.bits, prefix.Bits())
		sort.Sort(sort.Reverse(sort.IntSlice(p.bits)))
	}
	bucket[prefix] = loc
	return nil
}

// Len returns the number of registered blocks.
func (p *PrefixTable) Len() int {
	n := 0
	for _, bucket := range p.byBits {
		n += len(bucket)
	}
	return n
}

// LocateIP implements IPLocator.
func (p *PrefixTable) LocateIP(_ context.Context, ip string) (Location, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, fmt.Errorf("invalid IP %q: %w", ip, err)
	}
	addr = addr.Unmap()
	for _, bits := range p.bits {
		if bits > addr.BitLen() {
			continue
		}
		prefix, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if loc, ok := p.byBits[bits][prefix]; ok {
			return loc, nil
		}
	}
	return Location{}, ErrNotFound
}

// ReadPrefixTable reads CSV with a network column and country/state/city columns.
func ReadPrefixTable(r io.Reader) (*PrefixTable, error) {
	t, err := dataset.ReadCSV(r)
	if err != nil {
		return nil, err
	}
	networks, err := t.MustColumn("network")
	if err != nil {
		return nil, err
	}

	field := func(col string, i int) string {
		s, _ := dataset.AsString(t.Value(i, col))
		return s
	}
	table := NewPrefixTable()
	for i, raw := range networks {
		cidr, ok := dataset.AsString(raw)
		if !ok || cidr == "" {
			continue
		}
		loc := Location{
			Country: field("country", i),
			State:   field("state", i),
			City:    field("city", i),
		}
		if err := table.Add(cidr, loc); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
	}
	return table, nil
}

// LoadPrefixTable reads a prefix table file.
func LoadPrefixTable(path string) (*PrefixTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open IP table: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadPrefixTable(f)
}
