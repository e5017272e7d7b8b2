package adapters

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

var (
	npyDescr   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	npyFortran = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShape   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// readNPYFloat64 decodes a one-dimensional little-endian float64 NumPy array
// (format versions 1 to 3).
func readNPYFloat64(r io.Reader) ([]float64, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, fmt.Errorf("npy preamble: %w", err)
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return nil, fmt.Errorf("npy: bad magic %q", pre[:6])
	}

	var headerLen int
	switch major := pre[6]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("npy: unsupported version %d.%d", major, pre[7])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("npy header: %w", err)
	}
	n, err := parseNPYHeader(string(header))
	if err != nil {
		return nil, err
	}

	out := make([]float64, n)
	buf := make([]byte, 8)
	for i := range out {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("npy element %d of %d: %w", i, n, err)
		}
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
	}
	return out, nil
}

// parseNPYHeader validates the header dictionary and returns the element
// count.
func parseNPYHeader(h string) (int, error) {
	m := npyDescr.FindStringSubmatch(h)
	if m == nil {
		return 0, fmt.Errorf("npy: no descr in header %q", h)
	}
	if m[1] != "<f8" && m[1] != "f8" {
		return 0, fmt.Errorf("npy: dtype %q, want <f8", m[1])
	}
	if f := npyFortran.FindStringSubmatch(h); f != nil && f[1] == "True" {
		return 0, fmt.Errorf("npy: fortran order not supported")
	}
	s := npyShape.FindStringSubmatch(h)
	if s == nil {
		return 0, fmt.Errorf("npy: no shape in header %q", h)
	}
	var dims []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("npy: shape %q: %w", s[1], err)
		}
		dims = append(dims, d)
	}
	if len(dims) != 1 {
		return 0, fmt.Errorf("npy: shape (%s), want one dimension", s[1])
	}
	return dims[0], nil
}
