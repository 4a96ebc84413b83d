package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/reclink/internal/play"
	"github.com/audiolibrelab/reclink/internal/service"
)

const pipelineHelp = "valid: r=record, f=fetch newest, p=play"

// pipelineRun carries what one step hands to the next.
type pipelineRun struct {
	svc       service.Service
	recorded  string // device path of the take just recorded
	localPath string // file saved by the fetch step
}

// executePipeline runs the pipeline steps that follow startStep.
func executePipeline(ctx context.Context, svc service.Service, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))

	// Find the starting position in the pipeline
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}

	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	return runSteps(ctx, &pipelineRun{svc: svc}, steps[startIndex+1:])
}

func runSteps(ctx context.Context, run *pipelineRun, steps []rune) error {
	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)
		if err := run.step(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *pipelineRun) step(ctx context.Context, step rune) error {
	switch step {
	case 'r':
		p, err := recordOnce(ctx, r.svc)
		if err != nil {
			return fmt.Errorf("pipeline record failed: %w", err)
		}
		r.recorded = p
		fmt.Println("Pipeline: recording completed")

	case 'f':
		localPath, err := fetchRecording(ctx, r.svc, r.recorded)
		if err != nil {
			return fmt.Errorf("pipeline fetch failed: %w", err)
		}
		r.localPath = localPath
		fmt.Println("Pipeline: fetch completed")

	case 'p':
		target := r.localPath
		if target == "" {
			return fmt.Errorf("pipeline play failed: nothing fetched yet, add an 'f' step before 'p'")
		}
		if err := play.New(r.svc.GetConfig()).Play(target); err != nil {
			return fmt.Errorf("pipeline play failed: %w", err)
		}
		fmt.Println("Pipeline: playback completed")

	default:
		return fmt.Errorf("unknown pipeline step: '%c' (%s)", step, pipelineHelp)
	}
	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		'f': true, // fetch
		'p': true, // play
	}

	steps := []rune(strings.ToLower(pipeline))
	for i, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (%s)", step, pipelineHelp)
		}
		if step == 'p' && !containsRune(steps[:i], 'f') {
			return fmt.Errorf("invalid pipeline '%s': play needs a fetch step before it", pipeline)
		}
	}

	return nil
}

func containsRune(steps []rune, r rune) bool {
	for _, s := range steps {
		if s == r {
			return true
		}
	}
	return false
}
