// Package worker runs prediction work items: it invokes the external
// predictor on a workspace and records the outcome in outputs/summary.json.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nnunetserver/internal/safeio"
	"nnunetserver/internal/workspace"
)

// JobMetadata is the payload of a prediction work item.
type JobMetadata struct {
	JobID         string `json:"job_id"`
	DatasetID     string `json:"dataset_id"`
	InputDir      string `json:"input_dir"`
	Configuration string `json:"configuration"`
	Device        string `json:"device"`
	Trainer       string `json:"trainer"`
	Plans         string `json:"plans"`
	RequesterID   string `json:"requester_id"`
}

const (
	defaultConfiguration = "3d_lowres"
	defaultTrainer       = "nnUNetTrainer"
	defaultPlans         = "nnUNetPlans"

	outputTail = 8 << 10
)

func (m JobMetadata) withDefaults() JobMetadata {
	if m.Configuration == "" {
		m.Configuration = defaultConfiguration
	}
	if m.Trainer == "" {
		m.Trainer = defaultTrainer
	}
	if m.Plans == "" {
		m.Plans = defaultPlans
	}
	return m
}

// Executor invokes Script as
// <script> <inputDir> <outputDir> <dataset> <configuration> <trainer> <plans>.
type Executor struct {
	Script string
	Logger zerolog.Logger

	now func() time.Time
}

func NewExecutor(script string, logger zerolog.Logger) *Executor {
	return &Executor{Script: script, Logger: logger, now: time.Now}
}

// Run executes one job. It never returns a "completed" summary unless the
// predictor exited with status 0.
func (e *Executor) Run(ctx context.Context, meta JobMetadata) workspace.Summary {
	meta = meta.withDefaults()
	log := e.Logger.With().Str("job_id", meta.JobID).Str("dataset_id", meta.DatasetID).Logger()

	if meta.JobID == "" || meta.DatasetID == "" || meta.InputDir == "" {
		log.Error().Interface("metadata", meta).Msg("job metadata missing required fields")
		return workspace.Summary{JobID: meta.JobID, Status: workspace.SummaryFailed, Reason: "missing metadata"}
	}
	if info, err := os.Stat(meta.InputDir); err != nil || !info.IsDir() {
		log.Error().Str("input_dir", meta.InputDir).Msg("input directory not found")
		return workspace.Summary{
			JobID:     meta.JobID,
			DatasetID: meta.DatasetID,
			InputDir:  meta.InputDir,
			Status:    workspace.SummaryFailed,
			Reason:    "input directory not found",
		}
	}

	outputDir := filepath.Join(meta.InputDir, workspace.OutputsDir)
	summary := workspace.Summary{
		JobID:     meta.JobID,
		DatasetID: meta.DatasetID,
		InputDir:  meta.InputDir,
		OutputDir: outputDir,
	}
	fsys, err := safeio.NewSafeFS(outputDir)
	if err != nil {
		log.Error().Err(err).Msg("create output directory")
		summary.Status = workspace.SummaryFailed
		summary.Reason = "create output directory: " + err.Error()
		return summary
	}

	args := []string{meta.InputDir, outputDir, meta.DatasetID, meta.Configuration, meta.Trainer, meta.Plans}
	log.Info().Str("model", meta.DatasetID+"-"+meta.Configuration).Str("script", e.Script).Strs("args", args).Msg("starting nnU-Net inference")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Script, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if runErr == nil {
		summary.Status = workspace.SummaryCompleted
		now := time.Now
		if e.now != nil {
			now = e.now
		}
		summary.CompletedAt = now().UTC().Format(time.RFC3339Nano)
		log.Info().Msg("nnU-Net inference completed")
	} else {
		summary.Status = workspace.SummaryFailed
		summary.Stderr = tail(stderr.String())
		summary.Stdout = tail(stdout.String())
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			summary.Reason = "job timeout exceeded or cancelled: " + ctx.Err().Error()
		case errors.As(runErr, &exitErr):
			summary.ExitCode = exitErr.ExitCode()
			summary.Reason = fmt.Sprintf("script failed with exit code %d", summary.ExitCode)
		default:
			summary.Reason = runErr.Error()
		}
		log.Error().Err(runErr).Int("exit_code", summary.ExitCode).Str("stderr", summary.Stderr).Msg("nnU-Net inference failed")
	}

	if err := writeSummary(fsys, summary); err != nil {
		log.Error().Err(err).Msg("write summary.json")
		if summary.Status == workspace.SummaryCompleted {
			summary.Status = workspace.SummaryFailed
			summary.Reason = "write summary: " + err.Error()
		}
	}
	return summary
}

func writeSummary(fsys *safeio.SafeFS, s workspace.Summary) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return fsys.WriteFileAtomic(workspace.SummaryFile, raw)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTail {
		return s
	}
	return s[len(s)-outputTail:]
}
