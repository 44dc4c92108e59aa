package strbench

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Character != AlphanumericCharacter || cfg.BatchMaxLength != 25 || cfg.ImgH != 224 || cfg.ImgW != 224 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Optimizer.LearningRate != 1e-7 || cfg.Optimizer.Beta2 != 0.999 {
		t.Fatalf("optimizer defaults = %+v", cfg.Optimizer)
	}
	if cfg.Distill.LossDirection != LossSymmetric || cfg.LanguageModel.MaskID != 95 {
		t.Fatalf("distill defaults = %+v, mask %d", cfg.Distill, cfg.LanguageModel.MaskID)
	}
	if cfg.ExpName != "default" {
		t.Fatalf("ExpName = %q, want default", cfg.ExpName)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
sensitive: true
batchSize: 16
evalDatasets: [SVT, CUTE80]
recognizer:
  savedModel: saved_models/vitstr_small/best.onnx
distill:
  lossDirection: reverse
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Character != PrintableCharacter {
		t.Fatalf("sensitive config should use the printable alphabet, got %q", cfg.Character)
	}
	if cfg.BatchSize != 16 || len(cfg.EvalDatasets) != 2 || cfg.Distill.LossDirection != LossReverse {
		t.Fatalf("decoded config = %+v", cfg)
	}
	if cfg.ExpName != "vitstr_small_best.onnx" {
		t.Fatalf("ExpName = %q", cfg.ExpName)
	}
}

func TestLoadConfigRejectsUnknownYAMLFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("batchsizee: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() accepted an unknown field")
	}
}

func TestSaveConfigThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Config{ExpName: "exp", BatchSize: 8, PAD: true}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got.ExpName != "exp" || got.BatchSize != 8 || !got.PAD {
		t.Fatalf("loaded config = %+v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"batchSize": 4, "device": "cpu"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STRBENCH_BATCH_SIZE", "12")
	t.Setenv("STRBENCH_DEVICE", "CUDA")
	t.Setenv("STRBENCH_SENSITIVE", "true")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.BatchSize != 12 || cfg.Device != DeviceCUDA || !cfg.Sensitive {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("STRBENCH_BATCH_SIZE", "many")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() accepted a malformed integer")
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "STRBENCH_EXP_NAME"
	t.Setenv(key, "")
	os.Unsetenv(key)

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ExpName != "from-dotenv" {
		t.Fatalf("ExpName = %q, want from-dotenv", cfg.ExpName)
	}
}

func TestExpNameFromModel(t *testing.T) {
	tests := map[string]string{
		"saved_models/vitstr_tiny/best.pth": "vitstr_tiny_best.pth",
		"vitstr.onnx":                       "vitstr",
		"":                                  "",
	}
	for in, want := range tests {
		if got := ExpNameFromModel(in); got != want {
			t.Errorf("ExpNameFromModel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := Config{RGB: true, BatchSize: 64, CalculateInferTime: true, EvalDatasets: []string{"a"}}
	if cfg.Channels() != 3 || cfg.EvalBatchSize() != 1 {
		t.Fatalf("Channels() = %d EvalBatchSize() = %d", cfg.Channels(), cfg.EvalBatchSize())
	}
	clone := cfg.Clone()
	clone.EvalDatasets[0] = "b"
	if cfg.EvalDatasets[0] != "a" {
		t.Fatal("Clone() shares slices with the original")
	}
}
