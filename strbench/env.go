package strbench

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads KEY=VALUE pairs from the given files (default .env) into the process
// environment. Missing files are not an error; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv overrides file values with STRBENCH_* variables.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"STRBENCH_EXP_NAME":               &cfg.ExpName,
		"STRBENCH_RESULT_DIR":             &cfg.ResultDir,
		"STRBENCH_EVAL_DATA":              &cfg.EvalData,
		"STRBENCH_SAVED_MODEL":            &cfg.Recognizer.SavedModel,
		"STRBENCH_HEAD_PATH":              &cfg.Recognizer.HeadPath,
		"STRBENCH_LM_MODEL":               &cfg.LanguageModel.ModelPath,
		"STRBENCH_LM_TOKENIZER":           &cfg.LanguageModel.TokenizerPath,
		"STRBENCH_RESULTS_DSN":            &cfg.ResultsDSN,
		"STRBENCH_CSV_DIR":                &cfg.CSVDir,
		"ONNXRUNTIME_SHARED_LIBRARY_PATH": &cfg.OrtLibrary,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("STRBENCH_DEVICE")); v != "" {
		cfg.Device = Device(strings.ToLower(v))
	}
	ints := map[string]*int{
		"STRBENCH_BATCH_SIZE":  &cfg.BatchSize,
		"STRBENCH_WORKERS":     &cfg.Workers,
		"STRBENCH_MAX_BATCHES": &cfg.MaxBatches,
	}
	for key, dst := range ints {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
	}
	if v := strings.TrimSpace(os.Getenv("STRBENCH_SENSITIVE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse STRBENCH_SENSITIVE: %w", err)
		}
		cfg.Sensitive = b
	}
	return nil
}
