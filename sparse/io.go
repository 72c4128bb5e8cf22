// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// relationGob is the serialized form of a Relation. The first-occurrence
// index is not stored: it is rebuilt on load.
type relationGob struct {
	Name             string
	NumRows, NumCols int
	Rows, Cols       []int32
	Values           []float64
}

// Save serializes the relation to the given file path.
func (r *Relation) Save(filePath string) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save sparse.Relation", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = enc.Encode(relationGob{
		Name:    r.Name,
		NumRows: r.NumRows,
		NumCols: r.NumCols,
		Rows:    r.Rows,
		Cols:    r.Cols,
		Values:  r.Values,
	})
	if err != nil {
		err = errors.WithMessagef(err, "encoding sparse.Relation to save to %q", filePath)
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "closing %q after saving sparse.Relation", filePath)
		return
	}
	return
}

// Load reads a relation back from a file created with Relation.Save and
// rebuilds its first-occurrence index. If the file doesn't exist, it returns
// an error that can be checked with os.IsNotExist.
func Load(filePath string) (r *Relation, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		err = errors.Wrapf(err, "opening %q to load sparse.Relation", filePath)
		return
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var stored relationGob
	err = dec.Decode(&stored)
	if err != nil {
		err = errors.WithMessagef(err, "decoding sparse.Relation from %q", filePath)
		return
	}
	r = New(stored.NumRows, stored.NumCols, stored.Rows, stored.Cols, stored.Values)
	r.Name = stored.Name
	return
}
