// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Record is the featurization of one stage.
type Record struct {
	Schedule ScheduleFeatures
	Pipeline PipelineFeatures
}

// RecordSize is the number of float32 values written per Record.
func RecordSize() int {
	return NumScheduleFeatures + NumPipelineFeatures
}

// WriteFeaturization writes the records as consecutive little-endian float32 values:
// the schedule features of each record followed by its pipeline features.
//
// Callers write the innermost stage first.
func WriteFeaturization(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 4*RecordSize())
	for ii := range records {
		pos := 0
		put := func(v float64) {
			binary.LittleEndian.PutUint32(buf[pos:], math.Float32bits(float32(v)))
			pos += 4
		}
		for _, v := range records[ii].Schedule.Values() {
			put(v)
		}
		for _, v := range records[ii].Pipeline.Values() {
			put(v)
		}
		if _, err := bw.Write(buf); err != nil {
			return errors.Wrapf(err, "failed writing featurization record #%d", ii)
		}
	}
	return errors.Wrap(bw.Flush(), "failed flushing featurization")
}

// Featurization is a saved featurization read back as parallel float32 arrays, one entry
// per stage.
type Featurization struct {
	Schedule [][]float32
	Pipeline [][]float32
}

// NumStages returns the number of stage records.
func (f *Featurization) NumStages() int { return len(f.Schedule) }

// ReadFeaturization reads what WriteFeaturization wrote.
func ReadFeaturization(r io.Reader) (*Featurization, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed reading featurization")
	}
	recordBytes := 4 * RecordSize()
	if len(data)%recordBytes != 0 {
		return nil, errors.Errorf("featurization has %d bytes, not a multiple of the record size %d",
			len(data), recordBytes)
	}
	numRecords := len(data) / recordBytes
	f := &Featurization{
		Schedule: make([][]float32, numRecords),
		Pipeline: make([][]float32, numRecords),
	}
	pos := 0
	next := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		return v
	}
	for ii := range numRecords {
		f.Schedule[ii] = make([]float32, NumScheduleFeatures)
		for jj := range f.Schedule[ii] {
			f.Schedule[ii][jj] = next()
		}
		f.Pipeline[ii] = make([]float32, NumPipelineFeatures)
		for jj := range f.Pipeline[ii] {
			f.Pipeline[ii][jj] = next()
		}
	}
	return f, nil
}
