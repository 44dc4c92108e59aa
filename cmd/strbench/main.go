package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"yashubustudio/strbench/strbench"
)

// flags mirrors the persistent command line options. Only flags the user set override config.
var flags struct {
	configPath         string
	envFile            string
	expName            string
	savedModel         string
	backend            string
	headPath           string
	evalData           string
	device             string
	character          string
	benchmarkPreset    string
	resultsDSN         string
	ortLibrary         string
	csvOutput          string
	csvDir             string
	showPredictions    int
	sensitive          bool
	dataFilteringOff   bool
	calculateInferTime bool
	rgb                bool
	pad                bool
	batchSize          int
	batchMaxLength     int
	workers            int
	maxBatches         int
	imgH               int
	imgW               int
}

var rootCmd = &cobra.Command{
	Use:           "strbench",
	Short:         "Benchmark and self-distill scene text recognizers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config.json or config.yaml (default: ./config.json)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file with STRBENCH_* overrides")
	pf.StringVar(&flags.expName, "exp-name", "", "experiment name (default: derived from --saved-model)")
	pf.StringVar(&flags.savedModel, "saved-model", "", "recognizer model path or URL")
	pf.StringVar(&flags.backend, "backend", "", "recognizer backend: onnx or tesseract")
	pf.StringVar(&flags.headPath, "head", "", "trainable linear head checkpoint")
	pf.StringVar(&flags.evalData, "eval-data", "", "root directory of the evaluation datasets")
	pf.StringVar(&flags.device, "device", "", "execution device: cpu, cuda or coreml")
	pf.StringVar(&flags.character, "character", "", "recognizer alphabet")
	pf.StringVar(&flags.benchmarkPreset, "benchmark", "", "dataset preset: fast or all")
	pf.StringVar(&flags.resultsDSN, "results-dsn", "", "PostgreSQL DSN for the benchmark history")
	pf.StringVar(&flags.ortLibrary, "ort-lib", "", "onnxruntime shared library path")
	pf.StringVar(&flags.csvOutput, "output", "", "CSV file to write results to")
	pf.StringVar(&flags.csvDir, "output-dir", "", "directory for result_<timestamp>.csv when --output is omitted")
	pf.IntVar(&flags.showPredictions, "show-predictions", 0, "print this many predictions of each dataset's last batch")
	pf.BoolVar(&flags.sensitive, "sensitive", false, "case-sensitive model (printable alphabet)")
	pf.BoolVar(&flags.dataFilteringOff, "data-filtering-off", false, "keep labels with out-of-alphabet characters")
	pf.BoolVar(&flags.calculateInferTime, "calculate-infer-time", false, "evaluate one image per batch to time inference")
	pf.BoolVar(&flags.rgb, "rgb", false, "feed three channel images")
	pf.BoolVar(&flags.pad, "pad", false, "keep aspect ratio and pad images on the right")
	pf.IntVar(&flags.batchSize, "batch-size", 0, "batch size")
	pf.IntVar(&flags.batchMaxLength, "batch-max-length", 0, "maximum label length")
	pf.IntVar(&flags.workers, "workers", 0, "image decode workers")
	pf.IntVar(&flags.maxBatches, "max-batches", 0, "stop after this many batches per dataset (0: all)")
	pf.IntVar(&flags.imgH, "imgH", 0, "input image height")
	pf.IntVar(&flags.imgW, "imgW", 0, "input image width")

	rootCmd.AddCommand(benchmarkCmd, evalCmd, distillCmd, historyCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("strbench: %v", err)
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "", log.LstdFlags)
}

// loadConfig reads .env, the config file and finally the flags the user set.
func loadConfig(cmd *cobra.Command) (strbench.Config, error) {
	if err := strbench.LoadDotEnv(flags.envFile); err != nil {
		return strbench.Config{}, err
	}
	cfg, err := strbench.LoadConfig(flags.configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	strs := []struct {
		name string
		val  string
		dst  *string
	}{
		{"exp-name", flags.expName, &cfg.ExpName},
		{"saved-model", flags.savedModel, &cfg.Recognizer.SavedModel},
		{"backend", flags.backend, &cfg.Recognizer.Backend},
		{"head", flags.headPath, &cfg.Recognizer.HeadPath},
		{"eval-data", flags.evalData, &cfg.EvalData},
		{"character", flags.character, &cfg.Character},
		{"benchmark", flags.benchmarkPreset, &cfg.BenchmarkPreset},
		{"results-dsn", flags.resultsDSN, &cfg.ResultsDSN},
		{"ort-lib", flags.ortLibrary, &cfg.OrtLibrary},
		{"output", flags.csvOutput, &cfg.CSVOutput},
		{"output-dir", flags.csvDir, &cfg.CSVDir},
	}
	for _, s := range strs {
		if changed(s.name) {
			*s.dst = strings.TrimSpace(s.val)
		}
	}
	if changed("device") {
		cfg.Device = strbench.Device(strings.ToLower(flags.device))
	}
	bools := []struct {
		name string
		val  bool
		dst  *bool
	}{
		{"sensitive", flags.sensitive, &cfg.Sensitive},
		{"data-filtering-off", flags.dataFilteringOff, &cfg.DataFilteringOff},
		{"calculate-infer-time", flags.calculateInferTime, &cfg.CalculateInferTime},
		{"rgb", flags.rgb, &cfg.RGB},
		{"pad", flags.pad, &cfg.PAD},
	}
	for _, b := range bools {
		if changed(b.name) {
			*b.dst = b.val
		}
	}
	ints := []struct {
		name string
		val  int
		dst  *int
	}{
		{"batch-size", flags.batchSize, &cfg.BatchSize},
		{"batch-max-length", flags.batchMaxLength, &cfg.BatchMaxLength},
		{"workers", flags.workers, &cfg.Workers},
		{"max-batches", flags.maxBatches, &cfg.MaxBatches},
		{"imgH", flags.imgH, &cfg.ImgH},
		{"imgW", flags.imgW, &cfg.ImgW},
	}
	for _, n := range ints {
		if changed(n.name) {
			*n.dst = n.val
		}
	}
	if changed("saved-model") && !changed("exp-name") {
		cfg.ExpName = ""
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
