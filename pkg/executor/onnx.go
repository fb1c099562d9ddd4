//go:build onnx

package executor

/*
#cgo LDFLAGS: -lonnxruntime
#include <onnxruntime_c_api.h>
#include <stdlib.h>
#include <string.h>

// One session per engine, so several instances of a model can run side by
// side. Every helper returns NULL on success or a malloc'd error message.

typedef struct {
    const OrtApi* api;
    OrtEnv* env;
    OrtSessionOptions* opts;
    OrtSession* session;
    OrtMemoryInfo* mem;
    OrtAllocator* alloc;
    char* input_name;
    char* output_name;
} ort_model;

static char* ort_error(const OrtApi* api, OrtStatus* st) {
    char* msg = strdup(api->GetErrorMessage(st));
    api->ReleaseStatus(st);
    return msg;
}

#define ORT_TRY(m, call) do { OrtStatus* st_ = (call); if (st_) return ort_error((m)->api, st_); } while (0)

static char* ort_open(ort_model* m, const char* path, int device, int threads) {
    m->api = OrtGetApiBase()->GetApi(ORT_API_VERSION);
    if (!m->api) return strdup("onnxruntime API version not supported");

    ORT_TRY(m, m->api->CreateEnv(ORT_LOGGING_LEVEL_WARNING, "gpu-batch-executor", &m->env));
    ORT_TRY(m, m->api->CreateSessionOptions(&m->opts));
    if (device >= 0) {
        ORT_TRY(m, OrtSessionOptionsAppendExecutionProvider_CUDA(m->opts, device));
    }
    ORT_TRY(m, m->api->SetIntraOpNumThreads(m->opts, threads));
    ORT_TRY(m, m->api->SetSessionGraphOptimizationLevel(m->opts, ORT_ENABLE_ALL));
    ORT_TRY(m, m->api->CreateSession(m->env, path, m->opts, &m->session));
    ORT_TRY(m, m->api->CreateCpuMemoryInfo(OrtArenaAllocator, OrtMemTypeDefault, &m->mem));
    ORT_TRY(m, m->api->GetAllocatorWithDefaultOptions(&m->alloc));

    size_t n = 0;
    ORT_TRY(m, m->api->SessionGetInputCount(m->session, &n));
    if (n != 1) return strdup("model must have exactly one input");
    ORT_TRY(m, m->api->SessionGetOutputCount(m->session, &n));
    if (n != 1) return strdup("model must have exactly one output");
    ORT_TRY(m, m->api->SessionGetInputName(m->session, 0, m->alloc, &m->input_name));
    ORT_TRY(m, m->api->SessionGetOutputName(m->session, 0, m->alloc, &m->output_name));
    return NULL;
}

// ort_run wraps data without copying; the input tensor is released before
// returning, the output stays alive until ort_release.
static char* ort_run(ort_model* m, void* data, size_t len, const int64_t* shape, size_t rank, OrtValue** out) {
    OrtValue* in = NULL;
    ORT_TRY(m, m->api->CreateTensorWithDataAsOrtValue(
        m->mem, data, len, shape, rank, ONNX_TENSOR_ELEMENT_DATA_TYPE_FLOAT, &in));

    const char* in_names[] = { m->input_name };
    const char* out_names[] = { m->output_name };
    *out = NULL;
    OrtStatus* st = m->api->Run(m->session, NULL,
        in_names, (const OrtValue* const*)&in, 1,
        out_names, 1, out);
    m->api->ReleaseValue(in);
    if (st) return ort_error(m->api, st);
    return NULL;
}

static char* ort_output(ort_model* m, OrtValue* v, void** data, int* elem_type,
                        int64_t* dims, size_t max_rank, size_t* rank, size_t* count) {
    OrtTensorTypeAndShapeInfo* info = NULL;
    ORT_TRY(m, m->api->GetTensorTypeAndShape(v, &info));

    ONNXTensorElementDataType t = ONNX_TENSOR_ELEMENT_DATA_TYPE_UNDEFINED;
    OrtStatus* st = m->api->GetTensorElementType(info, &t);
    if (!st) st = m->api->GetDimensionsCount(info, rank);
    if (!st && *rank > max_rank) {
        m->api->ReleaseTensorTypeAndShapeInfo(info);
        return strdup("output rank is too large");
    }
    if (!st) st = m->api->GetDimensions(info, dims, *rank);
    if (!st) st = m->api->GetTensorShapeElementCount(info, count);
    m->api->ReleaseTensorTypeAndShapeInfo(info);
    if (st) return ort_error(m->api, st);

    *elem_type = (int)t;
    ORT_TRY(m, m->api->GetTensorMutableData(v, data));
    return NULL;
}

static void ort_release(ort_model* m, OrtValue* v) {
    if (v) m->api->ReleaseValue(v);
}

static void ort_close(ort_model* m) {
    if (!m->api) return;
    if (m->input_name) m->api->AllocatorFree(m->alloc, m->input_name);
    if (m->output_name) m->api->AllocatorFree(m->alloc, m->output_name);
    if (m->session) m->api->ReleaseSession(m->session);
    if (m->opts) m->api->ReleaseSessionOptions(m->opts);
    if (m->mem) m->api->ReleaseMemoryInfo(m->mem);
    if (m->env) m->api->ReleaseEnv(m->env);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kunal/gpu-batch-executor/pkg/model"
	"github.com/kunal/gpu-batch-executor/pkg/tensor"
)

const (
	onnxThreads = 4
	onnxMaxRank = 8
)

func init() {
	Register("onnx", NewONNX)
}

// ONNXEngine runs a single-input, single-output FP32 model with ONNX
// Runtime, on CUDA when bound to a GPU. The output tensor of a run is owned
// by the runtime and stays valid until ReleaseRun.
type ONNXEngine struct {
	mu     sync.Mutex
	m      *C.ort_model
	device model.Device
	input  string
	output string
	out    *C.OrtValue
	closed bool
}

// NewONNX loads opts.ModelPath into a fresh session.
func NewONNX(spec *model.Spec, opts Options) (Engine, error) {
	if opts.ModelPath == "" {
		return nil, errors.Errorf("onnx engine for '%s' needs a model path", spec.Name)
	}
	if len(spec.Inputs) != 1 || len(spec.Outputs) != 1 {
		return nil, errors.Errorf("onnx engine for '%s' supports one input and one output, got %d and %d",
			spec.Name, len(spec.Inputs), len(spec.Outputs))
	}

	cPath := C.CString(opts.ModelPath)
	defer C.free(unsafe.Pointer(cPath))

	m := (*C.ort_model)(C.calloc(1, C.sizeof_ort_model))
	if msg := C.ort_open(m, cPath, C.int(opts.Device), onnxThreads); msg != nil {
		C.ort_close(m)
		C.free(unsafe.Pointer(m))
		return nil, errors.Errorf("loading %s on %s: %s", opts.ModelPath, opts.Device, takeCString(msg))
	}

	e := &ONNXEngine{
		m:      m,
		device: opts.Device,
		input:  C.GoString(m.input_name),
		output: C.GoString(m.output_name),
	}
	klog.Infof("🧠 ONNX engine loaded: model=%s, device=%s, %s -> %s", opts.ModelPath, opts.Device, e.input, e.output)
	return e, nil
}

func takeCString(s *C.char) string {
	defer C.free(unsafe.Pointer(s))
	return C.GoString(s)
}

func (e *ONNXEngine) Name() string { return "onnx" }

func (e *ONNXEngine) Device() model.Device { return e.device }

func (e *ONNXEngine) InputNames() []string { return []string{e.input} }

func (e *ONNXEngine) OutputNames() []string { return []string{e.output} }

func (e *ONNXEngine) SupportsType(dt tensor.ElementType) bool { return dt == tensor.Float32 }

func (e *ONNXEngine) Invoke(inputs []tensor.Descriptor, outputNames []string) ([]tensor.Descriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("onnx engine is closed")
	}
	if e.out != nil {
		return nil, errors.New("previous run resources were not released")
	}
	if len(outputNames) != 1 || outputNames[0] != e.output {
		return nil, errors.Errorf("onnx model produces only '%s', asked for %v", e.output, outputNames)
	}

	var in *tensor.Descriptor
	for i := range inputs {
		if inputs[i].Name == e.input {
			in = &inputs[i]
		}
	}
	switch {
	case in == nil:
		return nil, errors.Errorf("onnx model needs input '%s'", e.input)
	case in.Type != tensor.Float32:
		return nil, errors.Errorf("onnx input '%s' must be FP32, got %s", e.input, in.Type)
	case len(in.Data) == 0:
		return nil, errors.Errorf("onnx input '%s' is empty", e.input)
	}

	var shape *C.int64_t
	if len(in.Shape) > 0 {
		shape = (*C.int64_t)(unsafe.Pointer(&in.Shape[0]))
	}
	var out *C.OrtValue
	if msg := C.ort_run(e.m, unsafe.Pointer(&in.Data[0]), C.size_t(len(in.Data)), shape, C.size_t(len(in.Shape)), &out); msg != nil {
		return nil, errors.Errorf("onnx run: %s", takeCString(msg))
	}
	// Held from here on, even if reading it fails, so ReleaseRun frees it.
	e.out = out

	var (
		data     unsafe.Pointer
		elemType C.int
		dims     [onnxMaxRank]C.int64_t
		rank     C.size_t
		count    C.size_t
	)
	if msg := C.ort_output(e.m, out, &data, &elemType, &dims[0], onnxMaxRank, &rank, &count); msg != nil {
		return nil, errors.Errorf("onnx output '%s': %s", e.output, takeCString(msg))
	}
	if elemType != C.int(C.ONNX_TENSOR_ELEMENT_DATA_TYPE_FLOAT) {
		return nil, errors.Errorf("onnx output '%s' is not FP32 (element type %d)", e.output, int(elemType))
	}

	outShape := make(tensor.Shape, int(rank))
	for i := range outShape {
		outShape[i] = int64(dims[i])
	}
	var buf []byte
	if count > 0 {
		buf = unsafe.Slice((*byte)(data), int(count)*tensor.Float32.Size())
	}
	return []tensor.Descriptor{{Name: e.output, Type: tensor.Float32, Shape: outShape, Data: buf}}, nil
}

// ReleaseRun frees the output tensor of the current run.
func (e *ONNXEngine) ReleaseRun() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.out == nil {
		return
	}
	C.ort_release(e.m, e.out)
	e.out = nil
}

func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if e.out != nil {
		C.ort_release(e.m, e.out)
		e.out = nil
	}
	C.ort_close(e.m)
	C.free(unsafe.Pointer(e.m))
	e.closed = true
	return nil
}
