// Package store persists sampling results: one gob blob per run, keyed by
// file name, and an optional SQLite catalog indexing the saved runs.
package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/nested"
	"github.com/bob-anderson-ok/aureolefit/psf"
)

// Record is what one fit run leaves behind.
type Record struct {
	Result *nested.Result
	// Info is free-form fit metadata (image name, band, prior settings).
	Info map[string]string
	// PSF is the reconstructed model's parameters, if one was built.
	PSF     *psf.Params
	Params  []float64
	SavedAt time.Time
}

// Save writes rec to path, creating parent directories. The file is
// written to a temporary name first and renamed into place.
func Save(path string, rec *Record) error {
	if rec == nil || rec.Result == nil {
		return fiterr.Newf("store.Save", fiterr.KindSampling, "%s: %w", path, fiterr.ErrEmptyResult)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("store: creating directory: %w", err)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	w := bufio.NewWriter(tmp)
	if err := gob.NewEncoder(w).Encode(rec); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("store: encoding %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("store: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("store: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Load reads a record written by Save.
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	defer f.Close()
	var rec Record
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("store: decoding %s: %w", path, err)
	}
	if rec.Result == nil {
		// gob drops a pointer to an all-zero struct
		rec.Result = &nested.Result{}
	}
	return &rec, nil
}
