package worker

import (
	"encoding/base64"
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

// InferRequest is one client request. On the wire it is a
// google.protobuf.Struct:
//
//	{"id": "...", "priority": 1, "timeout_ms": 100, "batch_size": 2,
//	 "inputs": [{"name": "INPUT0", "datatype": "FP32", "shape": [2, 16], "data": "<base64>"}],
//	 "overrides": [...]}
type InferRequest struct {
	ID        string
	Priority  int
	TimeoutMs int
	BatchSize int
	Inputs    []tensor.Descriptor
	Overrides []tensor.Descriptor
}

// InferResponse carries the outputs of one request and where it ran.
type InferResponse struct {
	ID        string
	WorkerID  string
	Instance  string
	Device    string
	Outputs   []tensor.Descriptor
	QueueMs   float64
	ComputeMs float64
}

func tensorToMap(d tensor.Descriptor) map[string]any {
	shape := make([]any, len(d.Shape))
	for i, dim := range d.Shape {
		shape[i] = dim
	}
	return map[string]any{
		"name":     d.Name,
		"datatype": d.Type.String(),
		"shape":    shape,
		"data":     d.Data,
	}
}

func tensorsToList(ds []tensor.Descriptor) []any {
	out := make([]any, len(ds))
	for i, d := range ds {
		out[i] = tensorToMap(d)
	}
	return out
}

// Encode converts the request to its wire form.
func (r *InferRequest) Encode() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":         r.ID,
		"priority":   r.Priority,
		"timeout_ms": r.TimeoutMs,
		"batch_size": r.BatchSize,
		"inputs":     tensorsToList(r.Inputs),
		"overrides":  tensorsToList(r.Overrides),
	})
}

// Encode converts the response to its wire form.
func (r *InferResponse) Encode() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":         r.ID,
		"worker_id":  r.WorkerID,
		"instance":   r.Instance,
		"device":     r.Device,
		"outputs":    tensorsToList(r.Outputs),
		"queue_ms":   r.QueueMs,
		"compute_ms": r.ComputeMs,
	})
}

// DecodeInferRequest parses the wire form of a request.
func DecodeInferRequest(s *structpb.Struct) (*InferRequest, error) {
	m := s.AsMap()
	r := &InferRequest{ID: stringField(m, "id")}
	var err error
	if r.Priority, err = intField(m, "priority", 0); err != nil {
		return nil, err
	}
	if r.TimeoutMs, err = intField(m, "timeout_ms", 0); err != nil {
		return nil, err
	}
	if r.BatchSize, err = intField(m, "batch_size", 1); err != nil {
		return nil, err
	}
	if r.Inputs, err = tensorsField(m, "inputs"); err != nil {
		return nil, err
	}
	if r.Overrides, err = tensorsField(m, "overrides"); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeInferResponse parses the wire form of a response.
func DecodeInferResponse(s *structpb.Struct) (*InferResponse, error) {
	m := s.AsMap()
	r := &InferResponse{
		ID:       stringField(m, "id"),
		WorkerID: stringField(m, "worker_id"),
		Instance: stringField(m, "instance"),
		Device:   stringField(m, "device"),
	}
	r.QueueMs, _ = m["queue_ms"].(float64)
	r.ComputeMs, _ = m["compute_ms"].(float64)
	var err error
	if r.Outputs, err = tensorsField(m, "outputs"); err != nil {
		return nil, err
	}
	return r, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string, fallback int) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return fallback, nil
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, errors.Errorf("field %q must be an integer, got %v", key, v)
	}
	return int(f), nil
}

func tensorsField(m map[string]any, key string) ([]tensor.Descriptor, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errors.Errorf("field %q must be a list of tensors", key)
	}
	out := make([]tensor.Descriptor, 0, len(list))
	for i, item := range list {
		tm, ok := item.(map[string]any)
		if !ok {
			return nil, errors.Errorf("%s[%d] must be an object", key, i)
		}
		d, err := tensorFromMap(tm)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s[%d]", key, i)
		}
		out = append(out, d)
	}
	return out, nil
}

func tensorFromMap(m map[string]any) (tensor.Descriptor, error) {
	d := tensor.Descriptor{Name: stringField(m, "name")}
	if d.Name == "" {
		return d, errors.New("tensor name is required")
	}
	dt, err := tensor.ParseElementType(stringField(m, "datatype"))
	if err != nil {
		return d, err
	}
	d.Type = dt

	dims, _ := m["shape"].([]any)
	d.Shape = make(tensor.Shape, len(dims))
	for i, dim := range dims {
		f, ok := dim.(float64)
		if !ok || f != math.Trunc(f) {
			return d, errors.Errorf("tensor '%s': shape entries must be integers", d.Name)
		}
		d.Shape[i] = int64(f)
	}

	if d.Data, err = base64.StdEncoding.DecodeString(stringField(m, "data")); err != nil {
		return d, errors.Wrapf(err, "tensor '%s': data is not base64", d.Name)
	}
	return d, nil
}

// byName turns a descriptor list into a map, rejecting duplicates.
func byName(ds []tensor.Descriptor) (map[string]tensor.Descriptor, error) {
	out := make(map[string]tensor.Descriptor, len(ds))
	for _, d := range ds {
		if _, dup := out[d.Name]; dup {
			return nil, errors.Errorf("tensor '%s' given more than once", d.Name)
		}
		out[d.Name] = d
	}
	return out, nil
}

// sortedTensors lists a descriptor map by name.
func sortedTensors(m map[string]tensor.Descriptor) []tensor.Descriptor {
	out := make([]tensor.Descriptor, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
