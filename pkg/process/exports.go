package process

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

var ErrMalformedImage = errors.New("malformed PE image")

const (
	pe32Magic     = 0x10b
	pe32PlusMagic = 0x20b
	exportDirSize = 40
	maxExportName = 512
)

// ExportTable is the export directory of a PE image as it is mapped in
// memory, where file offsets are replaced by RVAs.
type ExportTable struct {
	rvas       map[string]uint32
	forwarders map[string]string
}

// Lookup returns the RVA of an exported function defined in this image.
// Forwarded exports are not in it; see Forwarder.
func (t *ExportTable) Lookup(name string) (uint32, bool) {
	rva, ok := t.rvas[name]
	return rva, ok
}

// Forwarder returns the "dll.Function" target of a forwarded export.
func (t *ExportTable) Forwarder(name string) (string, bool) {
	fw, ok := t.forwarders[name]
	return fw, ok
}

// Names lists the exported function names, forwarders excluded, sorted.
func (t *ExportTable) Names() []string {
	names := make([]string, 0, len(t.rvas))
	for n := range t.rvas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t *ExportTable) Len() int {
	return len(t.rvas)
}

type image []byte

func (im image) u16(off uint32) (uint16, error) {
	if uint64(off)+2 > uint64(len(im)) {
		return 0, errors.Wrapf(ErrMalformedImage, "read u16 at %#x", off)
	}
	return binary.LittleEndian.Uint16(im[off:]), nil
}

func (im image) u32(off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(im)) {
		return 0, errors.Wrapf(ErrMalformedImage, "read u32 at %#x", off)
	}
	return binary.LittleEndian.Uint32(im[off:]), nil
}

func (im image) cstring(off uint32) (string, error) {
	if uint64(off) >= uint64(len(im)) {
		return "", errors.Wrapf(ErrMalformedImage, "string at %#x", off)
	}
	rest := im[off:]
	if len(rest) > maxExportName {
		rest = rest[:maxExportName]
	}
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return "", errors.Wrapf(ErrMalformedImage, "unterminated string at %#x", off)
	}
	return string(rest[:n]), nil
}

// exportDirectory locates IMAGE_DIRECTORY_ENTRY_EXPORT. A zero rva means the
// image exports nothing.
func (im image) exportDirectory() (rva, size uint32, err error) {
	if len(im) < 0x40 || im[0] != 'M' || im[1] != 'Z' {
		return 0, 0, errors.Wrap(ErrMalformedImage, "missing MZ header")
	}
	peOff, _ := im.u32(0x3C)
	sig, err := im.u32(peOff)
	if err != nil || sig != 0x00004550 {
		return 0, 0, errors.Wrap(ErrMalformedImage, "missing PE signature")
	}

	opt := peOff + 24
	magic, err := im.u16(opt)
	if err != nil {
		return 0, 0, err
	}
	var countOff, dirOff uint32
	switch magic {
	case pe32Magic:
		countOff, dirOff = 92, 96
	case pe32PlusMagic:
		countOff, dirOff = 108, 112
	default:
		return 0, 0, errors.Wrapf(ErrMalformedImage, "optional header magic %#x", magic)
	}
	count, err := im.u32(opt + countOff)
	if err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	if rva, err = im.u32(opt + dirOff); err != nil {
		return 0, 0, err
	}
	if size, err = im.u32(opt + dirOff + 4); err != nil {
		return 0, 0, err
	}
	return rva, size, nil
}

// ParseExports reads the export directory of a mapped image.
func ParseExports(b []byte) (*ExportTable, error) {
	im := image(b)
	t := &ExportTable{rvas: map[string]uint32{}, forwarders: map[string]string{}}

	dirRVA, dirSize, err := im.exportDirectory()
	if err != nil {
		return nil, err
	}
	if dirRVA == 0 {
		return t, nil
	}
	if uint64(dirRVA)+exportDirSize > uint64(len(im)) {
		return nil, errors.Wrapf(ErrMalformedImage, "export directory at %#x", dirRVA)
	}

	numFuncs, _ := im.u32(dirRVA + 20)
	numNames, _ := im.u32(dirRVA + 24)
	funcs, _ := im.u32(dirRVA + 28)
	names, _ := im.u32(dirRVA + 32)
	ords, _ := im.u32(dirRVA + 36)

	for i := uint32(0); i < numNames; i++ {
		nameRVA, err := im.u32(names + 4*i)
		if err != nil {
			return nil, err
		}
		ord, err := im.u16(ords + 2*i)
		if err != nil {
			return nil, err
		}
		if uint32(ord) >= numFuncs {
			continue
		}
		name, err := im.cstring(nameRVA)
		if err != nil {
			return nil, err
		}
		fn, err := im.u32(funcs + 4*uint32(ord))
		if err != nil {
			return nil, err
		}
		if fn == 0 {
			continue
		}
		if fn >= dirRVA && fn < dirRVA+dirSize {
			fw, err := im.cstring(fn)
			if err != nil {
				return nil, err
			}
			t.forwarders[name] = fw
			continue
		}
		t.rvas[name] = fn
	}
	return t, nil
}
