package backend

import (
	"sort"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/status"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// RunBatch is the group of payloads merged for one engine invocation.
type RunBatch struct {
	// Payloads are the members in row order. Payloads that failed before
	// assembly are not members; members that fail during assembly keep
	// their rows.
	Payloads []*Payload

	TotalBatchSize int

	// Inputs are the merged buffers, declared inputs first in declared
	// order, then overrides sorted by name.
	Inputs []tensor.Descriptor

	batched bool
}

// Runnable reports whether any member is still eligible for execution.
func (b *RunBatch) Runnable() bool {
	for _, p := range b.Payloads {
		if p.OK() {
			return true
		}
	}
	return false
}

// Assembler merges payload inputs along the batch dimension.
type Assembler struct {
	Model string

	// MaxBatchSize is the instance's effective limit; 0 disables batching
	// and inputs then carry no batch dimension.
	MaxBatchSize int

	Declared []model.IOSpec

	// KnownInput reports whether the engine accepts an override name.
	KnownInput func(name string) bool

	// Alloc returns a zeroed buffer. Defaults to make.
	Alloc func(n int) []byte
}

// batchShape is the shape of n rows of a per-request row shape.
func batchShape(batched bool, n int, row tensor.Shape) tensor.Shape {
	if !batched {
		return row.Clone()
	}
	return row.WithBatch(n)
}

// AssembleInputs merges payloads into one RunBatch.
//
// Errors returned abort the whole batch. Problems that can be attributed
// to one payload are recorded in that payload's Status instead; the payload
// keeps its rows so the layout does not move, nothing further is copied
// into them, and the rest of the batch proceeds.
func (a *Assembler) AssembleInputs(payloads []*Payload) (*RunBatch, error) {
	batch := &RunBatch{batched: a.MaxBatchSize > 0}
	for _, p := range payloads {
		if p == nil || !p.OK() {
			continue
		}
		if p.BatchSize < 1 {
			p.fail(status.Errorf(status.InvalidArg,
				"request %s for model '%s' has batch size %d, must be at least 1", p.ID, a.Model, p.BatchSize))
			continue
		}
		batch.Payloads = append(batch.Payloads, p)
		batch.TotalBatchSize += p.BatchSize
	}
	for _, p := range batch.Payloads {
		for name := range p.Inputs {
			if !a.isDeclared(name) {
				p.fail(status.Errorf(status.InvalidArg,
					"unexpected inference input '%s' for model '%s'", name, a.Model))
				break
			}
		}
	}

	total := batch.TotalBatchSize
	if total == 0 {
		return batch, nil
	}
	if total != 1 && total > a.MaxBatchSize {
		return nil, status.Errorf(status.Internal,
			"dynamic batch size %d for '%s', max allowed is %d", total, a.Model, a.MaxBatchSize)
	}

	for _, io := range a.Declared {
		if !batch.Runnable() {
			return batch, nil
		}
		in, ok, err := a.mergeDeclared(batch, io)
		if err != nil {
			return nil, err
		}
		if ok {
			batch.Inputs = append(batch.Inputs, in)
		}
	}
	a.mergeOverrides(batch)
	return batch, nil
}

// mergeDeclared builds the merged buffer of one declared input. It reports
// false when no OK member is left to supply it.
func (a *Assembler) mergeDeclared(batch *RunBatch, io model.IOSpec) (tensor.Descriptor, bool, error) {
	var (
		row      tensor.Shape
		resolved bool
	)
	for _, p := range batch.Payloads {
		if !p.OK() {
			continue
		}
		d, ok := p.Inputs[io.Name]
		if !ok {
			p.fail(status.Errorf(status.InvalidArg,
				"expected input '%s' for model '%s' is missing from request %s", io.Name, a.Model, p.ID))
			continue
		}
		got, err := a.checkRows(p, io.Name, d, io.Type, io.Dims, true, "input")
		if err != nil {
			p.fail(err)
			continue
		}
		if !resolved {
			row, resolved = got, true
			continue
		}
		if !got.Equal(row) {
			// Both shapes satisfy the declaration, so neither request is at
			// fault; the buffer cannot hold two row shapes.
			return tensor.Descriptor{}, false, status.Errorf(status.Internal,
				"input '%s' for model '%s' has per-request shapes %s and %s, which cannot be batched together",
				io.Name, a.Model, row, got)
		}
	}
	if !resolved {
		return tensor.Descriptor{}, false, nil
	}
	return a.copyRows(batch, io.Name, io.Type, row, func(p *Payload) (tensor.Descriptor, bool) {
		d, ok := p.Inputs[io.Name]
		return d, ok
	}), true, nil
}

// mergeOverrides merges request-supplied inputs outside the declared set.
// The first supplying payload defines the row layout; payloads that do not
// supply an override get zero rows.
func (a *Assembler) mergeOverrides(batch *RunBatch) {
	names := make(map[string]struct{})
	for _, p := range batch.Payloads {
		if !p.OK() {
			continue
		}
		for name := range p.InputOverrides {
			names[name] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		var (
			first *tensor.Descriptor
			row   tensor.Shape
		)
		for _, p := range batch.Payloads {
			if !p.OK() {
				continue
			}
			d, ok := p.InputOverrides[name]
			if !ok {
				continue
			}
			if a.isDeclared(name) {
				p.fail(status.Errorf(status.InvalidArg,
					"input override '%s' for model '%s' conflicts with a declared input", name, a.Model))
				continue
			}
			if a.KnownInput != nil && !a.KnownInput(name) {
				p.fail(status.Errorf(status.InvalidArg,
					"unexpected inference input override '%s' for model '%s'", name, a.Model))
				continue
			}
			if first == nil {
				got, err := a.checkRows(p, name, d, d.Type, nil, false, "input override")
				if err != nil {
					p.fail(err)
					continue
				}
				first, row = &d, got
				continue
			}
			if _, err := a.checkRows(p, name, d, first.Type, row, true, "input override"); err != nil {
				p.fail(err)
			}
		}
		if first == nil || !batch.Runnable() {
			continue
		}
		batch.Inputs = append(batch.Inputs, a.copyRows(batch, name, first.Type, row, func(p *Payload) (tensor.Descriptor, bool) {
			d, ok := p.InputOverrides[name]
			return d, ok
		}))
	}
}

func (a *Assembler) isDeclared(name string) bool {
	for _, io := range a.Declared {
		if io.Name == name {
			return true
		}
	}
	return false
}

// checkRows validates one payload's tensor against the expected type and,
// when constrain is set, the expected row shape. It returns the concrete
// row shape.
func (a *Assembler) checkRows(p *Payload, name string, d tensor.Descriptor, dt tensor.ElementType,
	want tensor.Shape, constrain bool, kind string) (tensor.Shape, error) {
	if d.Type != dt {
		return nil, status.Errorf(status.InvalidArg,
			"unexpected datatype %s for %s '%s', model '%s' expects %s", d.Type, kind, name, a.Model, dt)
	}
	row := d.Shape
	batched := a.MaxBatchSize > 0
	if batched {
		if len(d.Shape) == 0 || d.Shape[0] != int64(p.BatchSize) {
			return nil, status.Errorf(status.InvalidArg,
				"unexpected shape %s for %s '%s', model '%s' expects batch dimension %d",
				d.Shape, kind, name, a.Model, p.BatchSize)
		}
		row = d.Shape[1:]
	}
	if constrain && !row.Matches(want) {
		return nil, status.Errorf(status.InvalidArg,
			"unexpected shape %s for %s '%s', model '%s' expects %s",
			d.Shape, kind, name, a.Model, batchShape(batched, p.BatchSize, want))
	}
	if row.HasVariable() {
		return nil, status.Errorf(status.InvalidArg,
			"shape %s for %s '%s' is not concrete", d.Shape, kind, name)
	}
	if !dt.IsFixedWidth() {
		return nil, status.Errorf(status.Unsupported,
			"unsupported datatype %s for %s '%s' for model '%s'", dt, kind, name, a.Model)
	}
	// d.Shape carries the batch dimension when batching, so this is the
	// whole contribution.
	expected := d.ExpectedByteSize()
	if expected < 0 {
		return nil, status.Errorf(status.InvalidArg,
			"shape %s for %s '%s' of model '%s' is too large", d.Shape, kind, name, a.Model)
	}
	if int64(d.ByteSize()) != expected {
		return nil, status.Errorf(status.InvalidArg,
			"%s '%s' for model '%s' has %d bytes, expected %d for shape %s",
			kind, name, a.Model, d.ByteSize(), expected, d.Shape)
	}
	return row.Clone(), nil
}

// copyRows allocates the merged buffer and copies every OK member's rows
// to its offset, in member order.
func (a *Assembler) copyRows(batch *RunBatch, name string, dt tensor.ElementType, row tensor.Shape,
	lookup func(*Payload) (tensor.Descriptor, bool)) tensor.Descriptor {
	alloc := a.Alloc
	if alloc == nil {
		alloc = func(n int) []byte { return make([]byte, n) }
	}
	rowBytes := int(row.ElementCount()) * dt.Size()
	data := alloc(batch.TotalBatchSize * rowBytes)

	offset := 0
	for _, p := range batch.Payloads {
		n := p.BatchSize * rowBytes
		if p.OK() {
			if d, ok := lookup(p); ok {
				copy(data[offset:offset+n], d.Data)
			}
		}
		offset += n
	}
	return tensor.Descriptor{
		Name:  name,
		Type:  dt,
		Shape: batchShape(batch.batched, batch.TotalBatchSize, row),
		Data:  data,
	}
}
