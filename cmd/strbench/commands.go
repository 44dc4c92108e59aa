package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"yashubustudio/strbench/internal/dataset"
	"yashubustudio/strbench/internal/ortmodel"
	"yashubustudio/strbench/internal/report"
	"yashubustudio/strbench/internal/store"
	"yashubustudio/strbench/internal/tesseract"
	"yashubustudio/strbench/strbench"
)

// defaultTrainBatches is the batch cutoff of a distillation run when none is configured.
const defaultTrainBatches = 5000

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Evaluate the recognizer on every configured dataset",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		logger := newLogger()
		model, err := openRecognizer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer model.Close()
		_, err = runBenchmark(ctx, model, cfg, logger)
		return err
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval [DATASET]",
	Short: "Evaluate a single dataset and append its accuracy to log_evaluation.txt",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name := "data"
		if len(args) == 1 {
			name = args[0]
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		logger := newLogger()
		model, err := openRecognizer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer model.Close()
		runner, err := strbench.NewRunner(model, dataset.NewOpener(dataset.OptionsFromConfig(cfg), logger), cfg, logger)
		if err != nil {
			return err
		}
		_, err = runner.Evaluate(ctx, name)
		return err
	},
}

var distillCmd = &cobra.Command{
	Use:   "distill",
	Short: "Self-distill the recognizer with the masked language model, then benchmark it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		logger := newLogger()

		model, err := openRecognizer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer model.Close()
		ortRec, ok := model.(*ortmodel.Recognizer)
		if !ok {
			return fmt.Errorf("%s backend: %w", cfg.Recognizer.Backend, strbench.ErrNotTrainable)
		}
		trainable, err := ortRec.Trainable()
		if err != nil {
			return fmt.Errorf("configure recognizer.headPath to train: %w", err)
		}
		lm, err := openLanguageModel(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer lm.Close()

		trainCfg := cfg
		if !cmd.Flags().Changed("max-batches") && trainCfg.MaxBatches == 0 {
			trainCfg.MaxBatches = defaultTrainBatches
		}
		opener := dataset.NewOpener(dataset.OptionsFromConfig(cfg), logger)
		trainer, err := strbench.NewTrainer(trainable, lm, opener, trainCfg, logger)
		if err != nil {
			return err
		}
		if _, err := trainer.Run(ctx); err != nil {
			return fmt.Errorf("distill: %w", err)
		}
		_, err = runBenchmark(ctx, trainable, cfg, logger)
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent benchmark runs recorded in PostgreSQL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.ResultsDSN == "" {
			return errors.New("resultsDsn is not configured")
		}
		ctx := context.Background()
		db, err := store.Open(ctx, cfg.ResultsDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		expName := cfg.ExpName
		if all, _ := cmd.Flags().GetBool("all"); all {
			expName = ""
		}
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := db.Recent(ctx, expName, limit)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tsamples=%d\ttotal_accuracy=%0.3f\t%v\n",
				r.CreatedAt.Format("2006-01-02 15:04:05"), r.RunID, r.ExpName, r.TotalSamples, r.TotalAccuracy, r.Datasets)
		}
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [PATH]",
	Short: "Write the effective configuration to PATH (default: config.json)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return strbench.SaveConfig(path, cfg)
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "number of runs to list")
	historyCmd.Flags().Bool("all", false, "list runs of every experiment")
}

func runBenchmark(ctx context.Context, model strbench.Recognizer, cfg strbench.Config, logger *log.Logger) (strbench.Report, error) {
	if err := copyModel(cfg); err != nil {
		logger.Printf("copy model to result dir: %v", err)
	}
	runner, err := strbench.NewRunner(model, dataset.NewOpener(dataset.OptionsFromConfig(cfg), logger), cfg, logger)
	if err != nil {
		return strbench.Report{}, err
	}
	if cfg.ResultsDSN != "" {
		db, err := store.Open(ctx, cfg.ResultsDSN)
		if err != nil {
			return strbench.Report{}, fmt.Errorf("open results store: %w", err)
		}
		defer db.Close()
		runner.AddSink(db)
	}
	if cfg.CSVOutput != "" || cfg.CSVDir != "" {
		runner.AddSink(report.NewCSVSink(cfg.CSVOutput, cfg.CSVDir))
	}
	rep, err := runner.Run(ctx)
	if err != nil {
		return rep, err
	}
	if flags.showPredictions > 0 {
		report.PrintPredictions(os.Stdout, rep, flags.showPredictions)
	}
	return rep, nil
}

func openRecognizer(ctx context.Context, cfg strbench.Config, logger *log.Logger) (strbench.Recognizer, error) {
	conv := strbench.NewConverter(cfg.Character, cfg.BatchMaxLength)
	switch cfg.Recognizer.Backend {
	case "tesseract":
		return tesseract.New(conv, cfg.Recognizer.Languages, logger), nil
	case "onnx":
	default:
		return nil, fmt.Errorf("unknown recognizer backend %q", cfg.Recognizer.Backend)
	}
	if cfg.Recognizer.SavedModel == "" {
		return nil, errors.New("recognizer.savedModel is required")
	}
	if err := ortmodel.InitRuntime(cfg.OrtLibrary, logger); err != nil {
		return nil, err
	}
	path, err := ortmodel.Resolve(ctx, cfg.Recognizer.SavedModel, cfg.Recognizer.CacheDir)
	if err != nil {
		return nil, err
	}
	return ortmodel.NewRecognizer(ortmodel.RecognizerOptions{
		ModelPath:  path,
		InputName:  cfg.Recognizer.InputName,
		OutputName: cfg.Recognizer.OutputName,
		Device:     cfg.Device,
		HeadPath:   cfg.Recognizer.HeadPath,
		HeadIn:     cfg.Recognizer.FeatureDim,
		RandomHead: cfg.Recognizer.RandomHead,
		NumClass:   conv.NumClass(),
		ParamCount: cfg.Recognizer.ParamCount,
	}, logger)
}

// openLanguageModel loads the LM. With a tokenizer the vocabulary and mask token come from
// tokenizer.json, otherwise the LM shares the recognizer's IDs and languageModel.maskId.
func openLanguageModel(ctx context.Context, cfg strbench.Config, logger *log.Logger) (*ortmodel.LanguageModel, error) {
	lmCfg := cfg.LanguageModel
	if lmCfg.ModelPath == "" {
		return nil, errors.New("languageModel.modelPath is required")
	}
	path, err := ortmodel.Resolve(ctx, lmCfg.ModelPath, cfg.Recognizer.CacheDir)
	if err != nil {
		return nil, err
	}
	conv := strbench.NewConverter(cfg.Character, cfg.BatchMaxLength)
	vocab := ortmodel.IdentityVocabulary(conv.NumClass(), lmCfg.MaskID)
	if lmCfg.TokenizerPath != "" {
		vocab, err = ortmodel.LoadVocabulary(lmCfg.TokenizerPath, conv.Character())
		if err != nil {
			return nil, err
		}
	}
	return ortmodel.NewLanguageModel(ortmodel.LanguageModelOptions{
		ModelPath:         path,
		InputIDsName:      lmCfg.InputIDsName,
		AttentionMaskName: lmCfg.AttentionMaskName,
		OutputName:        lmCfg.OutputName,
		Device:            cfg.Device,
		Vocabulary:        vocab,
	}, logger)
}

// copyModel keeps a copy of a local model file next to the evaluation logs.
func copyModel(cfg strbench.Config) error {
	src := cfg.Recognizer.SavedModel
	if src == "" || ortmodel.IsURL(src) {
		return nil
	}
	dir := filepath.Join(cfg.ResultDir, cfg.ExpName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(filepath.Join(dir, filepath.Base(src)))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
