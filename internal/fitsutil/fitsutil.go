// Package fitsutil holds the FITS plumbing shared by the cube and
// observation packages: atomic single-image writes, tolerant image reads
// and typed header lookups.
package fitsutil

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// ErrNotImage is returned when the primary HDU of a file is not an image.
var ErrNotImage = errors.New("primary HDU is not an image")

// WriteImage writes data as the primary image HDU of a new FITS file at path.
// The file is written to a temporary sibling, synced and then renamed over
// path, so an interrupted write leaves any previous file at path intact.
func WriteImage(path string, axes []int, data []float64, cards []fitsio.Card) error {
	n := 1
	for _, a := range axes {
		n *= a
	}
	if n != len(data) {
		return fmt.Errorf("image axes %v hold %d values, got %d", axes, n, len(data))
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := encode(bw, axes, data, cards); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		committed = true
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	committed = true
	return nil
}

func encode(w *bufio.Writer, axes []int, data []float64, cards []fitsio.Card) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("create fits stream: %w", err)
	}
	defer f.Close()

	img := fitsio.NewImage(-64, axes)
	defer img.Close()

	if len(cards) > 0 {
		if err := img.Header().Append(cards...); err != nil {
			return fmt.Errorf("append header cards: %w", err)
		}
	}
	if err := img.Write(&data); err != nil {
		return fmt.Errorf("write image data: %w", err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("write image HDU: %w", err)
	}
	return nil
}

// Image is a decoded primary image HDU.
type Image struct {
	Axes   []int
	Data   []float64
	Header *fitsio.Header
}

// ReadImage decodes the primary image HDU of the FITS file at path into
// float64 samples, applying BSCALE/BZERO to integer images.
func ReadImage(path string) (*Image, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := fitsio.Open(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer f.Close()

	if len(f.HDUs()) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNotImage)
	}
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotImage)
	}

	hdr := img.Header()
	axes := append([]int(nil), hdr.Axes()...)
	n := 1
	for _, a := range axes {
		n *= a
	}
	if len(axes) == 0 || n == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNotImage)
	}

	data, err := readSamples(img, hdr.Bitpix(), n)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if hdr.Bitpix() > 0 {
		scale, ok := Float(hdr, "BSCALE")
		if !ok {
			scale = 1
		}
		zero, _ := Float(hdr, "BZERO")
		if scale != 1 || zero != 0 {
			for i := range data {
				data[i] = zero + scale*data[i]
			}
		}
	}

	return &Image{Axes: axes, Data: data, Header: hdr}, nil
}

func readSamples(img fitsio.Image, bitpix, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix {
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	case -32:
		raw := make([]float32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 8:
		raw := make([]uint8, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 64:
		raw := make([]int64, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

// Float returns the numeric value of the named header card.
func Float(h *fitsio.Header, name string) (float64, bool) {
	card := h.Get(name)
	if card == nil {
		return 0, false
	}
	switch v := card.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// String returns the trimmed string value of the named header card.
func String(h *fitsio.Header, name string) (string, bool) {
	card := h.Get(name)
	if card == nil {
		return "", false
	}
	s, ok := card.Value.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}
