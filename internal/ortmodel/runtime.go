// Package ortmodel runs the recognizer backbone and the masked language model with ONNX Runtime.
package ortmodel

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"yashubustudio/strbench/strbench"
)

var (
	envMu       sync.Mutex
	envReady    bool
	searchPaths = []string{
		"./libonnxruntime.so",
		"./onnxruntime.dll",
		"./libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
	}
)

// InitRuntime loads the ONNX Runtime shared library once per process. An empty libPath falls
// back to ONNXRUNTIME_SHARED_LIBRARY_PATH and a few conventional locations.
func InitRuntime(libPath string, logger *log.Logger) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envReady {
		return nil
	}
	if libPath == "" {
		libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	if libPath == "" {
		for _, p := range searchPaths {
			if _, err := os.Stat(p); err == nil {
				libPath = p
				break
			}
		}
	}
	if libPath == "" {
		return errors.New("onnxruntime shared library not found; set ortLibrary or ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	envReady = true
	if logger != nil {
		logger.Printf("onnxruntime initialized from %s", libPath)
	}
	return nil
}

// ShutdownRuntime releases the ONNX Runtime environment.
func ShutdownRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !envReady {
		return nil
	}
	envReady = false
	return ort.DestroyEnvironment()
}

// newSessionOptions appends the execution provider for device. Providers that fail to load
// fall back to CPU with a log line.
func newSessionOptions(device strbench.Device, logger *log.Logger) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	switch device {
	case strbench.DeviceCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			logfTo(logger, "cuda provider unavailable, using cpu: %v", err)
			break
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			logfTo(logger, "cuda provider options: %v", err)
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			logfTo(logger, "cuda provider unavailable, using cpu: %v", err)
		}
	case strbench.DeviceCoreML:
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			logfTo(logger, "coreml provider unavailable, using cpu: %v", err)
		}
	case strbench.DeviceCPU, "":
	default:
		opts.Destroy()
		return nil, fmt.Errorf("unknown device %q", device)
	}
	return opts, nil
}

// ioNames returns the declared input and output names of an ONNX file.
func ioNames(path string) ([]string, []string, error) {
	in, out, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read model info: %w", err)
	}
	inputs := make([]string, len(in))
	for i, info := range in {
		inputs[i] = info.Name
	}
	outputs := make([]string, len(out))
	for i, info := range out {
		outputs[i] = info.Name
	}
	return inputs, outputs, nil
}

// pickName returns want when the model declares it, otherwise the first declared name.
func pickName(want string, declared []string) (string, error) {
	if len(declared) == 0 {
		return "", errors.New("model declares no tensors")
	}
	for _, n := range declared {
		if n == want {
			return n, nil
		}
	}
	return declared[0], nil
}

func logfTo(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
