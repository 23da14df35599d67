package exchange

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/robert-malhotra/go-hdf5/hdf5"
	"github.com/sirupsen/logrus"

	"tomorecon/internal/models"
)

// WriteAPS32ID stores ds in the layout read by ReadAPS32ID. Volumes are
// written as flat float32 datasets with a dims attribute, and angles in
// degrees.
func WriteAPS32ID(fname string, ds *models.Dataset, overwrite bool) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(fname); err == nil && !overwrite {
		return fmt.Errorf("%w: %s", ErrExists, fname)
	}
	if err := os.MkdirAll(filepath.Dir(fname), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := hdf5.Create(fname)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", fname, err)
	}

	if err := writeExchange(f, ds); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", fname, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", fname, err)
	}

	logrus.WithFields(logrus.Fields{
		"file":        fname,
		"projections": ds.Projections.Shape(),
	}).Debug("Wrote data-exchange file")
	return nil
}

func writeExchange(f *hdf5.File, ds *models.Dataset) error {
	grp, err := f.Root().CreateGroup("exchange")
	if err != nil {
		return err
	}

	for _, v := range []struct {
		name string
		vol  *models.Volume
	}{
		{"data", ds.Projections},
		{"data_white", ds.Flat},
		{"data_dark", ds.Dark},
		{"phantom", ds.Phantom},
	} {
		if v.vol == nil {
			continue
		}
		data := make([]float32, len(v.vol.Data))
		for i, x := range v.vol.Data {
			data[i] = float32(x)
		}
		dims := []int64{int64(v.vol.Depth), int64(v.vol.Height), int64(v.vol.Width)}
		if _, err := grp.CreateDataset(v.name, data, hdf5.WithAttribute(dimsAttr, dims)); err != nil {
			return fmt.Errorf("dataset %s: %w", v.name, err)
		}
	}

	deg := make([]float64, len(ds.Theta))
	for i, th := range ds.Theta {
		deg[i] = th * 180 / math.Pi
	}
	if _, err := grp.CreateDataset("theta", deg); err != nil {
		return fmt.Errorf("dataset theta: %w", err)
	}
	return nil
}
