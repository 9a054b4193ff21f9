package observation

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"

	"slidetomo/internal/fitsutil"
)

// SolarRadius converts DSUN_OBS (metres) into cube units.
const SolarRadius = 6.957e8

const (
	arcsecPerRadian = 180 / math.Pi * 3600
	degPerRadian    = 180 / math.Pi
)

// ReadFITS decodes a single observation from a 2D FITS image. The header
// must carry DATE-OBS, DSUN_OBS, HGLN_OBS, HGLT_OBS and CDELT1/2 (arcsec);
// OBSRVTRY, CROTA2 and CRPIX1/2 are optional.
func ReadFITS(path string) (*Observation, error) {
	img, err := fitsutil.ReadImage(path)
	if err != nil {
		return nil, err
	}
	if len(img.Axes) != 2 {
		return nil, fmt.Errorf("%s: %w: image has %d axes, want 2", path, ErrInvalidGeometry, len(img.Axes))
	}
	hdr := img.Header

	dateObs, ok := fitsutil.String(hdr, "DATE-OBS")
	if !ok {
		return nil, fmt.Errorf("%s: missing DATE-OBS", path)
	}
	t, err := ParseTime(dateObs)
	if err != nil {
		return nil, fmt.Errorf("%s: DATE-OBS: %w", path, err)
	}

	required := func(name string) (float64, error) {
		v, ok := fitsutil.Float(hdr, name)
		if !ok {
			return 0, fmt.Errorf("%s: missing %s", path, name)
		}
		return v, nil
	}

	dsun, err := required("DSUN_OBS")
	if err != nil {
		return nil, err
	}
	lon, err := required("HGLN_OBS")
	if err != nil {
		return nil, err
	}
	lat, err := required("HGLT_OBS")
	if err != nil {
		return nil, err
	}
	cdelt1, err := required("CDELT1")
	if err != nil {
		return nil, err
	}
	cdelt2, err := required("CDELT2")
	if err != nil {
		return nil, err
	}
	roll, _ := fitsutil.Float(hdr, "CROTA2")
	instrument, _ := fitsutil.String(hdr, "OBSRVTRY")

	nu, nv := img.Axes[0], img.Axes[1]
	crpix1, ok := fitsutil.Float(hdr, "CRPIX1")
	if !ok {
		crpix1 = float64(nu+1) / 2
	}
	crpix2, ok := fitsutil.Float(hdr, "CRPIX2")
	if !ok {
		crpix2 = float64(nv+1) / 2
	}

	o := &Observation{
		Time:       t,
		Instrument: instrument,
		Geometry: Geometry{
			Distance: dsun / SolarRadius,
			Lon:      lon / degPerRadian,
			Lat:      lat / degPerRadian,
			Roll:     roll / degPerRadian,
			Shape:    [2]int{nu, nv},
			Cdelt:    [2]float64{cdelt1 / arcsecPerRadian, cdelt2 / arcsecPerRadian},
			// FITS pixels are 1-based.
			Crpix: [2]float64{crpix1 - 1, crpix2 - 1},
		},
		Data:   img.Data,
		Source: path,
	}
	if err := o.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// WriteFITS writes o as a 2D FITS image using the header layout read by
// ReadFITS.
func (o *Observation) WriteFITS(path string) error {
	g := o.Geometry
	cards := []fitsio.Card{
		{Name: "DATE-OBS", Value: FormatTime(o.Time)},
		{Name: "OBSRVTRY", Value: o.Instrument},
		{Name: "DSUN_OBS", Value: g.Distance * SolarRadius, Comment: "m"},
		{Name: "HGLN_OBS", Value: g.Lon * degPerRadian, Comment: "deg"},
		{Name: "HGLT_OBS", Value: g.Lat * degPerRadian, Comment: "deg"},
		{Name: "CROTA2", Value: g.Roll * degPerRadian, Comment: "deg"},
		{Name: "CDELT1", Value: g.Cdelt[0] * arcsecPerRadian, Comment: "arcsec"},
		{Name: "CDELT2", Value: g.Cdelt[1] * arcsecPerRadian, Comment: "arcsec"},
		{Name: "CRPIX1", Value: g.Crpix[0] + 1},
		{Name: "CRPIX2", Value: g.Crpix[1] + 1},
		{Name: "CUNIT1", Value: "arcsec"},
		{Name: "CUNIT2", Value: "arcsec"},
	}
	return fitsutil.WriteImage(path, []int{g.Shape[0], g.Shape[1]}, o.Data, cards)
}

// WriteDir writes every observation of s into dir as <prefix>_NNNN.fits.
func (s *Set) WriteDir(dir, prefix string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create observation directory: %w", err)
	}
	paths := make([]string, 0, len(s.Observations))
	for i, o := range s.Observations {
		path := filepath.Join(dir, fmt.Sprintf("%s_%04d.fits", prefix, i))
		if err := o.WriteFITS(path); err != nil {
			return paths, fmt.Errorf("write observation %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
