package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the worker process configuration.
type Config struct {
	WorkerID    string
	WorkerPort  int
	MetricsPort int

	// ModelConfig is the path of the YAML model configuration. Empty serves
	// the built-in add/sub model.
	ModelConfig string

	// Engine is used when the model configuration names none.
	Engine string
	// ONNXModelPath is loaded by the onnx engine.
	ONNXModelPath string

	MaxWaitTime    time.Duration
	DefaultTimeout time.Duration // 0 = requests never expire in the queue

	// GPUCount is assumed when no driver or CUDA_VISIBLE_DEVICES says otherwise.
	GPUCount int

	SimLatency        time.Duration
	BroadcastInterval time.Duration
	LoadParallelism   int
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		WorkerID:          envStr("WORKER_ID", "worker-0"),
		WorkerPort:        envInt("WORKER_PORT", 50052),
		MetricsPort:       envInt("METRICS_PORT", 9090),
		ModelConfig:       envStr("MODEL_CONFIG", ""),
		Engine:            envStr("ENGINE", "simulation"),
		ONNXModelPath:     envStr("ONNX_MODEL_PATH", ""),
		MaxWaitTime:       time.Duration(envInt("MAX_WAIT_MS", 50)) * time.Millisecond,
		DefaultTimeout:    time.Duration(envInt("DEFAULT_TIMEOUT_MS", 0)) * time.Millisecond,
		GPUCount:          envInt("GPU_COUNT", 0),
		SimLatency:        time.Duration(envInt("SIM_LATENCY_MS", 5)) * time.Millisecond,
		BroadcastInterval: time.Duration(envInt("BROADCAST_INTERVAL_MS", 1000)) * time.Millisecond,
		LoadParallelism:   envInt("LOAD_PARALLELISM", 0),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
