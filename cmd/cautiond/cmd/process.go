package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/cautiond/internal/ocrworker"
	"github.com/MeKo-Tech/cautiond/internal/postprocess"
	"github.com/MeKo-Tech/cautiond/internal/preprocess"
)

// processCmd runs the OCR pipeline once on a local file, without the
// service, database, or review workflow. Useful for tuning preprocessing
// settings and inspecting worker output.
var processCmd = &cobra.Command{
	Use:   "process [image files...]",
	Short: "Run the OCR pipeline on local card scans",
	Long: `Process one or more card scans through preprocessing, the external OCR
worker, and result validation, then print the structured results as JSON.

Examples:
  cautiond process card-scan.png
  cautiond process scans/*.jpg --worker-command python3 --worker-args ocr_worker.py
  cautiond process card.png --keep-preprocessed`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	workerCfg := cfg.WorkerChannelConfig()
	if cmd.Flags().Changed("worker-command") {
		workerCfg.Command, _ = cmd.Flags().GetString("worker-command")
	}
	if cmd.Flags().Changed("worker-args") {
		workerCfg.Args, _ = cmd.Flags().GetStringSlice("worker-args")
	}
	keepPreprocessed, _ := cmd.Flags().GetBool("keep-preprocessed")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	channel := ocrworker.NewChannel(workerCfg)
	if err := channel.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to start OCR worker: %w", err)
	}
	defer func() { _ = channel.Shutdown(ctx) }()

	pre := preprocess.New(cfg.PreprocessorConfig())
	post := postprocess.New(cfg.PostprocessorConfig())

	type fileResult struct {
		File   string              `json:"file"`
		Result *postprocess.Result `json:"result,omitempty"`
		Error  string              `json:"error,omitempty"`
	}

	results := make([]fileResult, 0, len(args))
	failed := 0
	for _, path := range args {
		res, err := processOne(ctx, path, pre, channel, post, keepPreprocessed)
		item := fileResult{File: path, Result: res}
		if err != nil {
			item.Error = err.Error()
			failed++
		}
		results = append(results, item)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func processOne(
	ctx context.Context,
	path string,
	pre *preprocess.Preprocessor,
	channel *ocrworker.Channel,
	post *postprocess.Postprocessor,
	keepPreprocessed bool,
) (*postprocess.Result, error) {
	prepared, err := pre.Preprocess(path)
	if err != nil {
		return nil, fmt.Errorf("preprocessing: %w", err)
	}
	if !keepPreprocessed {
		defer func() { _ = os.Remove(prepared) }()
	} else {
		fmt.Fprintf(os.Stderr, "preprocessed image kept at %s\n", prepared)
	}

	raw, err := channel.ProcessImage(ctx, prepared)
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}

	res, err := post.Postprocess(raw)
	if err != nil {
		return nil, fmt.Errorf("postprocessing: %w", err)
	}
	return res, nil
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().String("worker-command", "", "OCR worker executable")
	processCmd.Flags().StringSlice("worker-args", nil, "OCR worker arguments")
	processCmd.Flags().Bool("keep-preprocessed", false, "keep the intermediate preprocessed images")
}
