package observation

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"slidetomo/internal/logging"
)

// Filter selects the records read by Load.
type Filter struct {
	// Instrument matches the OBSRVTRY card, case-insensitively. Empty
	// matches every instrument.
	Instrument string

	// Window bounds the acquisition times, inclusive.
	Window TimeWindow

	// TimeStep is the minimum spacing between consecutive kept records.
	// Zero keeps every record.
	TimeStep time.Duration

	// Logger receives skip and summary messages. Defaults to the
	// "observation" component logger.
	Logger *slog.Logger
}

// Records within this fraction of TimeStep of the next slot are kept, so
// cadences with small acquisition jitter are not halved.
const stepSlack = 0.01

// Load scans the data store rooted at path for FITS observations matching
// f. The returned set is sorted by acquisition time and thinned so that
// consecutive records are about TimeStep apart.
func Load(path string, f Filter) (*Set, error) {
	if err := f.Window.Validate(); err != nil {
		return nil, err
	}
	logger := f.Logger
	if logger == nil {
		logger = logging.New("observation")
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataNotFound, err)
	}

	var matched []*Observation
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isFITSName(d.Name()) {
			return nil
		}
		o, err := ReadFITS(p)
		if err != nil {
			logger.Debug("skipping file", "path", p, "error", err)
			return nil
		}
		if f.Instrument != "" && !strings.EqualFold(o.Instrument, f.Instrument) {
			return nil
		}
		if !f.Window.Contains(o.Time) {
			return nil
		}
		matched = append(matched, o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Time.Before(matched[j].Time)
	})
	kept := thin(matched, f.TimeStep)

	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: %s instrument=%q window=%s", ErrDataNotFound, path, f.Instrument, f.Window)
	}

	set, err := NewSet(kept)
	if err != nil {
		return nil, err
	}
	set.Window = f.Window
	set.TimeStep = f.TimeStep
	set.Instrument = f.Instrument

	logger.Info("loaded observations",
		"path", path,
		"matched", len(matched),
		"kept", len(kept),
		"window", f.Window.String())
	return set, nil
}

// thin keeps the first record and then every record at least step after
// the previously kept one. obs must be sorted by time.
func thin(obs []*Observation, step time.Duration) []*Observation {
	if step <= 0 || len(obs) == 0 {
		return obs
	}
	minGap := step - time.Duration(float64(step)*stepSlack)
	kept := []*Observation{obs[0]}
	last := obs[0].Time
	for _, o := range obs[1:] {
		if o.Time.Sub(last) >= minGap {
			kept = append(kept, o)
			last = o.Time
		}
	}
	return kept
}

func isFITSName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".fits", ".fts", ".fit":
		return true
	}
	return false
}
