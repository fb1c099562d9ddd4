package backend

import (
	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/status"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// Disperser splits merged engine outputs back into per-payload results.
type Disperser struct {
	Model    string
	Declared []model.IOSpec
}

type outputLayout struct {
	desc     tensor.Descriptor
	row      tensor.Shape
	rowBytes int
}

// Disperse validates every declared output against the batch and only then
// writes row slices into each OK member, in assembly order. A validation
// failure is returned as a batch error and no payload receives output.
func (d *Disperser) Disperse(outputs []tensor.Descriptor, batch *RunBatch) error {
	byName := make(map[string]tensor.Descriptor, len(outputs))
	for _, o := range outputs {
		byName[o.Name] = o
	}

	layouts := make([]outputLayout, 0, len(d.Declared))
	for _, io := range d.Declared {
		l, err := d.layout(io, byName, batch)
		if err != nil {
			return err
		}
		layouts = append(layouts, l)
	}

	offset := 0
	for _, p := range batch.Payloads {
		if !p.OK() {
			offset += p.BatchSize
			continue
		}
		if p.Outputs == nil {
			p.Outputs = make(map[string]tensor.Descriptor, len(layouts))
		}
		for _, l := range layouts {
			start := offset * l.rowBytes
			end := start + p.BatchSize*l.rowBytes
			p.Outputs[l.desc.Name] = tensor.Descriptor{
				Name:  l.desc.Name,
				Type:  l.desc.Type,
				Shape: batchShape(batch.batched, p.BatchSize, l.row),
				Data:  append([]byte(nil), l.desc.Data[start:end]...),
			}
		}
		offset += p.BatchSize
	}
	return nil
}

// layout checks one produced output and works out its per-row size.
func (d *Disperser) layout(io model.IOSpec, produced map[string]tensor.Descriptor, batch *RunBatch) (outputLayout, error) {
	out, ok := produced[io.Name]
	if !ok {
		return outputLayout{}, status.Errorf(status.Internal,
			"model '%s' did not produce output '%s'", d.Model, io.Name)
	}
	if out.Type != io.Type {
		return outputLayout{}, status.Errorf(status.Internal,
			"output '%s' of model '%s' has datatype %s, expected %s", io.Name, d.Model, out.Type, io.Type)
	}

	total := batch.TotalBatchSize
	row := io.Dims.Clone()
	if row.HasVariable() {
		// Variable dims can only be learned from what the engine produced.
		got := out.Shape
		if batch.batched {
			if len(got) == 0 || got[0] != int64(total) {
				return outputLayout{}, status.Errorf(status.Internal,
					"output '%s' of model '%s' has shape %s, expected batch dimension %d",
					io.Name, d.Model, out.Shape, total)
			}
			got = got[1:]
		}
		if !got.Matches(io.Dims) || got.HasVariable() {
			return outputLayout{}, status.Errorf(status.Internal,
				"output '%s' of model '%s' has shape %s, expected %s",
				io.Name, d.Model, out.Shape, batchShape(batch.batched, total, io.Dims))
		}
		row = got.Clone()
	}

	// Without batching the single member's tensor is the whole output and
	// total is 1, so the same arithmetic holds.
	full := tensor.Descriptor{Type: io.Type, Shape: batchShape(batch.batched, total, row)}
	expected := full.ExpectedByteSize()
	if expected < 0 {
		return outputLayout{}, status.Errorf(status.Internal,
			"output '%s' of model '%s' has shape %s, which is too large", io.Name, d.Model, full.Shape)
	}
	if int64(out.ByteSize()) != expected {
		return outputLayout{}, status.Errorf(status.Internal,
			"output byte size mismatch for '%s' of model '%s': expected %d, got %d",
			io.Name, d.Model, expected, out.ByteSize())
	}
	rowBytes := int(row.ElementCount()) * io.Type.Size()
	return outputLayout{desc: out, row: row, rowBytes: rowBytes}, nil
}
