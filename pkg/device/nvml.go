//go:build nvml

package device

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef int nvmlReturn_t;
typedef void* nvmlDevice_t;

typedef struct {
    unsigned long long total;
    unsigned long long free;
    unsigned long long used;
} nvmlMemory_t;

static void* nvml_lib = NULL;

typedef nvmlReturn_t (*nvmlInit_t)(void);
typedef nvmlReturn_t (*nvmlShutdown_t)(void);
typedef nvmlReturn_t (*nvmlDeviceGetCount_t)(unsigned int*);
typedef nvmlReturn_t (*nvmlDeviceGetHandleByIndex_t)(unsigned int, nvmlDevice_t*);
typedef nvmlReturn_t (*nvmlDeviceGetMemoryInfo_t)(nvmlDevice_t, nvmlMemory_t*);
typedef nvmlReturn_t (*nvmlDeviceGetName_t)(nvmlDevice_t, char*, unsigned int);

static nvmlInit_t f_init = NULL;
static nvmlShutdown_t f_shutdown = NULL;
static nvmlDeviceGetCount_t f_count = NULL;
static nvmlDeviceGetHandleByIndex_t f_handle = NULL;
static nvmlDeviceGetMemoryInfo_t f_memory = NULL;
static nvmlDeviceGetName_t f_name = NULL;

static int probe_load() {
    nvml_lib = dlopen("libnvidia-ml.so.1", RTLD_LAZY);
    if (!nvml_lib) nvml_lib = dlopen("libnvidia-ml.so", RTLD_LAZY);
    if (!nvml_lib) return -1;

    f_init = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit_v2");
    if (!f_init) f_init = (nvmlInit_t)dlsym(nvml_lib, "nvmlInit");
    f_shutdown = (nvmlShutdown_t)dlsym(nvml_lib, "nvmlShutdown");
    f_count = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount_v2");
    if (!f_count) f_count = (nvmlDeviceGetCount_t)dlsym(nvml_lib, "nvmlDeviceGetCount");
    f_handle = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex_v2");
    if (!f_handle) f_handle = (nvmlDeviceGetHandleByIndex_t)dlsym(nvml_lib, "nvmlDeviceGetHandleByIndex");
    f_memory = (nvmlDeviceGetMemoryInfo_t)dlsym(nvml_lib, "nvmlDeviceGetMemoryInfo");
    f_name = (nvmlDeviceGetName_t)dlsym(nvml_lib, "nvmlDeviceGetName");

    if (!f_init || !f_count || !f_handle) return -2;
    return f_init();
}

static int probe_count() {
    unsigned int count = 0;
    if (f_count) f_count(&count);
    return (int)count;
}

static int probe_name(int idx, char* name, int len) {
    nvmlDevice_t dev;
    if (f_handle(idx, &dev) != 0) return -1;
    if (!f_name) return -2;
    if (f_name(dev, name, len) != 0) return -3;
    return 0;
}

static int probe_memory(int idx, unsigned long long* total) {
    nvmlDevice_t dev;
    if (f_handle(idx, &dev) != 0) return -1;
    if (!f_memory) return -2;
    nvmlMemory_t mem;
    if (f_memory(dev, &mem) != 0) return -3;
    *total = mem.total;
    return 0;
}

static void probe_shutdown() {
    if (f_shutdown) f_shutdown();
    if (nvml_lib) dlclose(nvml_lib);
}
*/
import "C"

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NVML answers device questions from the NVIDIA driver, loaded with dlopen
// so the binary has no link-time dependency on it.
type NVML struct {
	names []string
}

// OpenNVML loads libnvidia-ml and snapshots device names. A host without the
// library or without GPUs returns an error; that is not fatal for CPU models.
func OpenNVML() (*NVML, error) {
	if rc := C.probe_load(); rc != 0 {
		return nil, errors.Errorf("NVML not available (code %d)", int(rc))
	}
	defer C.probe_shutdown()

	count := int(C.probe_count())
	n := &NVML{names: make([]string, count)}
	for i := 0; i < count; i++ {
		var name [256]C.char
		if C.probe_name(C.int(i), &name[0], 256) == 0 {
			n.names[i] = C.GoString(&name[0])
		} else {
			n.names[i] = fmt.Sprintf("GPU %d", i)
		}
		var total C.ulonglong
		if C.probe_memory(C.int(i), &total) == 0 {
			klog.Infof("   GPU %d: %s (%s)", i, n.names[i], humanize.IBytes(uint64(total)))
		} else {
			klog.Infof("   GPU %d: %s", i, n.names[i])
		}
	}
	return n, nil
}

func (n *NVML) DeviceCount() int { return len(n.names) }

func (n *NVML) DeviceName(index int) string {
	if index < 0 || index >= len(n.names) {
		return fmt.Sprintf("GPU %d", index)
	}
	return n.names[index]
}

// Detect queries NVML and falls back to the environment when the driver is
// missing.
func Detect(fallback int) Prober {
	n, err := OpenNVML()
	if err != nil {
		klog.Warningf("⚠️  %v, using environment device count", err)
		return FromEnv(fallback)
	}
	klog.Infof("🎮 NVML initialized: %d GPU(s) detected", n.DeviceCount())
	return n
}
