package strbench

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "config.json"

const (
	// AlphanumericCharacter is the case-insensitive 36 character alphabet.
	AlphanumericCharacter = "0123456789abcdefghijklmnopqrstuvwxyz"
	// PrintableCharacter is the 94 character case-sensitive alphabet (ASTER setting).
	PrintableCharacter = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
)

// Device selects the execution provider used by model backends.
type Device string

const (
	DeviceCPU    Device = "cpu"
	DeviceCUDA   Device = "cuda"
	DeviceCoreML Device = "coreml"
)

// LossDirection selects which side of the distillation dot product is log-softmaxed.
type LossDirection string

const (
	// LossSymmetric averages both directions.
	LossSymmetric LossDirection = "symmetric"
	// LossForward is -Σ logsoftmax(recognizer) · softmax(lm).
	LossForward LossDirection = "forward"
	// LossReverse is -Σ logsoftmax(lm) · softmax(recognizer).
	LossReverse LossDirection = "reverse"
)

// RecognizerConfig configures the recognition model backend.
type RecognizerConfig struct {
	Backend    string `json:"backend" yaml:"backend"`
	SavedModel string `json:"savedModel" yaml:"savedModel"`
	HeadPath   string `json:"headPath,omitempty" yaml:"headPath,omitempty"`
	FeatureDim int    `json:"featureDim,omitempty" yaml:"featureDim,omitempty"`
	RandomHead bool   `json:"randomHead,omitempty" yaml:"randomHead,omitempty"`
	InputName  string `json:"inputName" yaml:"inputName"`
	OutputName string `json:"outputName" yaml:"outputName"`
	ParamCount int64  `json:"paramCount,omitempty" yaml:"paramCount,omitempty"`
	CacheDir   string `json:"cacheDir" yaml:"cacheDir"`
	Languages  string `json:"languages,omitempty" yaml:"languages,omitempty"`
}

// LanguageModelConfig configures the frozen auxiliary masked language model.
type LanguageModelConfig struct {
	ModelPath         string `json:"modelPath" yaml:"modelPath"`
	TokenizerPath     string `json:"tokenizerPath,omitempty" yaml:"tokenizerPath,omitempty"`
	// MaskID is the language model's mask token when no tokenizer is configured.
	MaskID            int    `json:"maskId" yaml:"maskId"`
	InputIDsName      string `json:"inputIdsName" yaml:"inputIdsName"`
	AttentionMaskName string `json:"attentionMaskName" yaml:"attentionMaskName"`
	OutputName        string `json:"outputName" yaml:"outputName"`
}

// OptimizerConfig holds the Adam hyper-parameters.
type OptimizerConfig struct {
	LearningRate float64 `json:"learningRate" yaml:"learningRate"`
	Beta1        float64 `json:"beta1" yaml:"beta1"`
	Beta2        float64 `json:"beta2" yaml:"beta2"`
	Epsilon      float64 `json:"epsilon" yaml:"epsilon"`
}

// DistillConfig controls the self-distillation loop.
type DistillConfig struct {
	TrainData      string        `json:"trainData" yaml:"trainData"`
	TrainDataset   string        `json:"trainDataset" yaml:"trainDataset"`
	Epochs         int           `json:"epochs" yaml:"epochs"`
	LossDirection  LossDirection `json:"lossDirection" yaml:"lossDirection"`
	CheckpointPath string        `json:"checkpointPath,omitempty" yaml:"checkpointPath,omitempty"`
	LogInterval    int           `json:"logInterval" yaml:"logInterval"`
}

// Config aggregates runtime settings persisted to config.json.
type Config struct {
	ExpName   string `json:"expName,omitempty" yaml:"expName,omitempty"`
	ResultDir string `json:"resultDir" yaml:"resultDir"`
	Device    Device `json:"device" yaml:"device"`

	Character        string `json:"character" yaml:"character"`
	Sensitive        bool   `json:"sensitive" yaml:"sensitive"`
	DataFilteringOff bool   `json:"dataFilteringOff" yaml:"dataFilteringOff"`
	NormalizeLabels  bool   `json:"normalizeLabels" yaml:"normalizeLabels"`
	BatchMaxLength   int    `json:"batchMaxLength" yaml:"batchMaxLength"`

	ImgH int  `json:"imgH" yaml:"imgH"`
	ImgW int  `json:"imgW" yaml:"imgW"`
	RGB  bool `json:"rgb" yaml:"rgb"`
	PAD  bool `json:"pad" yaml:"pad"`

	BatchSize int `json:"batchSize" yaml:"batchSize"`
	Workers   int `json:"workers" yaml:"workers"`

	EvalData           string   `json:"evalData" yaml:"evalData"`
	EvalDatasets       []string `json:"evalDatasets,omitempty" yaml:"evalDatasets,omitempty"`
	BenchmarkPreset    string   `json:"benchmarkPreset,omitempty" yaml:"benchmarkPreset,omitempty"`
	CalculateInferTime bool     `json:"calculateInferTime" yaml:"calculateInferTime"`
	MaxBatches         int      `json:"maxBatches" yaml:"maxBatches"`

	Recognizer    RecognizerConfig    `json:"recognizer" yaml:"recognizer"`
	LanguageModel LanguageModelConfig `json:"languageModel" yaml:"languageModel"`
	Optimizer     OptimizerConfig     `json:"optimizer" yaml:"optimizer"`
	Distill       DistillConfig       `json:"distill" yaml:"distill"`

	OrtLibrary string `json:"ortLibrary,omitempty" yaml:"ortLibrary,omitempty"`
	ResultsDSN string `json:"resultsDsn,omitempty" yaml:"resultsDsn,omitempty"`

	// CSVOutput or CSVDir enable the CSV export of every report.
	CSVOutput string `json:"csvOutput,omitempty" yaml:"csvOutput,omitempty"`
	CSVDir    string `json:"csvDir,omitempty" yaml:"csvDir,omitempty"`
}

// Clone creates a deep copy of the configuration so callers can mutate safely.
func (c Config) Clone() Config {
	buf, _ := json.Marshal(c)
	var out Config
	_ = json.Unmarshal(buf, &out)
	return out
}

// ApplyDefaults populates zero values with the ViTSTR benchmark defaults.
func (c *Config) ApplyDefaults() {
	if c.ResultDir == "" {
		c.ResultDir = "result"
	}
	if c.Device == "" {
		c.Device = DeviceCPU
	}
	if c.Character == "" {
		c.Character = AlphanumericCharacter
	}
	if c.Sensitive {
		c.Character = PrintableCharacter
	}
	if c.BatchMaxLength <= 0 {
		c.BatchMaxLength = 25
	}
	if c.ImgH <= 0 {
		c.ImgH = 224
	}
	if c.ImgW <= 0 {
		c.ImgW = 224
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 192
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.EvalData == "" {
		c.EvalData = "data_lmdb_release/evaluation"
	}
	if c.MaxBatches < 0 {
		c.MaxBatches = 0
	}
	if c.Recognizer.Backend == "" {
		c.Recognizer.Backend = "onnx"
	}
	if c.Recognizer.InputName == "" {
		c.Recognizer.InputName = "image"
	}
	if c.Recognizer.OutputName == "" {
		c.Recognizer.OutputName = "logits"
	}
	if c.Recognizer.CacheDir == "" {
		c.Recognizer.CacheDir = "cache"
	}
	if c.LanguageModel.MaskID == 0 {
		c.LanguageModel.MaskID = 95
	}
	if c.LanguageModel.InputIDsName == "" {
		c.LanguageModel.InputIDsName = "input_ids"
	}
	if c.LanguageModel.AttentionMaskName == "" {
		c.LanguageModel.AttentionMaskName = "attention_mask"
	}
	if c.LanguageModel.OutputName == "" {
		c.LanguageModel.OutputName = "logits"
	}
	if c.Optimizer.LearningRate == 0 {
		c.Optimizer.LearningRate = 1e-7
	}
	if c.Optimizer.Beta1 == 0 {
		c.Optimizer.Beta1 = 0.9
	}
	if c.Optimizer.Beta2 == 0 {
		c.Optimizer.Beta2 = 0.999
	}
	if c.Optimizer.Epsilon == 0 {
		c.Optimizer.Epsilon = 1e-8
	}
	if c.Distill.TrainData == "" {
		c.Distill.TrainData = c.EvalData
	}
	if c.Distill.TrainDataset == "" {
		c.Distill.TrainDataset = "data"
	}
	if c.Distill.Epochs <= 0 {
		c.Distill.Epochs = 1
	}
	switch c.Distill.LossDirection {
	case LossSymmetric, LossForward, LossReverse:
	default:
		c.Distill.LossDirection = LossSymmetric
	}
	if c.Distill.LogInterval <= 0 {
		c.Distill.LogInterval = 100
	}
	if c.ExpName == "" {
		c.ExpName = ExpNameFromModel(c.Recognizer.SavedModel)
	}
	if c.ExpName == "" {
		c.ExpName = "default"
	}
}

// Channels is the image channel count implied by RGB.
func (c Config) Channels() int {
	if c.RGB {
		return 3
	}
	return 1
}

// EvalBatchSize is 1 when per-image inference time is measured.
func (c Config) EvalBatchSize() int {
	if c.CalculateInferTime {
		return 1
	}
	return c.BatchSize
}

// ExpNameFromModel joins every path element after the first with underscores.
func ExpNameFromModel(savedModel string) string {
	if savedModel == "" {
		return ""
	}
	parts := strings.Split(savedModel, "/")
	if len(parts) <= 1 {
		return strings.TrimSuffix(filepath.Base(savedModel), filepath.Ext(savedModel))
	}
	return strings.Join(parts[1:], "_")
}

// LoadConfig loads configuration from the given path or the default config.json.
// .yaml and .yml files are decoded as YAML; environment overrides are applied last.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = defaultConfigFile
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := applyEnv(&cfg); err != nil {
				return cfg, err
			}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// SaveConfig persists configuration to disk.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		path = defaultConfigFile
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	cfg.ApplyDefaults()
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
