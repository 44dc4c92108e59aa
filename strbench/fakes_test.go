package strbench

import (
	"context"
	"fmt"
)

// sliceDataset serves fixed batches from memory.
type sliceDataset struct {
	batches [][]string
	pos     int
	closed  bool
}

func newSliceDataset(batchSize int, labels ...string) *sliceDataset {
	ds := &sliceDataset{}
	for i := 0; i < len(labels); i += batchSize {
		end := min(i+batchSize, len(labels))
		ds.batches = append(ds.batches, labels[i:end])
	}
	return ds
}

func (d *sliceDataset) Next(context.Context) (Batch, bool, error) {
	if d.pos >= len(d.batches) {
		return Batch{}, false, nil
	}
	labels := d.batches[d.pos]
	d.pos++
	return Batch{Images: NewImages(len(labels), 1, 2, 2), Labels: labels}, true, nil
}

func (d *sliceDataset) Len() int {
	n := 0
	for _, b := range d.batches {
		n += len(b)
	}
	return n
}

func (d *sliceDataset) Log() string {
	return fmt.Sprintf("sub-directory:\t/\t num samples: %d\n", d.Len())
}

func (d *sliceDataset) Close() error {
	d.closed = true
	return nil
}

// mapOpener opens datasets by name.
type mapOpener struct {
	labels    map[string][]string
	batchSize int
	opened    []*sliceDataset
}

func (o *mapOpener) Open(_ context.Context, _, name string, batchSize int) (Dataset, error) {
	labels, ok := o.labels[name]
	if !ok {
		return nil, fmt.Errorf("unknown dataset %s", name)
	}
	if o.batchSize > 0 {
		batchSize = o.batchSize
	}
	ds := newSliceDataset(batchSize, labels...)
	o.opened = append(o.opened, ds)
	return ds, nil
}

// oracleRecognizer predicts the target sequence, except for targets rejected by wrong, which
// are predicted as the empty string.
type oracleRecognizer struct {
	classes int
	peak    float32
	wrong   func(target []int) bool
	calls   int
}

func (r *oracleRecognizer) Forward(_ context.Context, images *Images, targets [][]int, seqLen int) (*Logits, error) {
	r.calls++
	out := NewLogits(images.N, seqLen, r.classes)
	for b := 0; b < images.N; b++ {
		for t := 0; t < seqLen; t++ {
			id := targets[b][t]
			if r.wrong != nil && r.wrong(targets[b]) {
				id = PadID
				if t == 1 {
					id = EOSID
				}
			}
			out.At(b, t)[id] = r.peak
		}
	}
	return out, nil
}

func (r *oracleRecognizer) ParamCount() int64 { return 2_500_000 }

func (r *oracleRecognizer) Close() error { return nil }
