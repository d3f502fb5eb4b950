// Package validate implements the API-boundary parameter validation and
// normalization rules. It owns the closed-enum checks and the
// rounding/clamping table; everything downstream (the queue, the
// executor, parameter injection) trusts a GenerateRequest that has
// passed through Normalize.
package validate

import (
	"regexp"
	"strings"

	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/pkg/pointers"
)

const (
	minDimension  = 64
	maxDimension  = 2048
	dimensionStep = 8

	minSteps = 1
	maxSteps = 100

	minCFG = 1.0
	maxCFG = 30.0

	minSeed = -1
	maxSeed = 1<<32 - 1

	minBatch = 1
	maxBatch = 4

	maxPromptLen        = 5000
	highResBatchLimit   = 1024 * 1024
	highResBatchClamped = 2
)

var SamplerNames = map[string]bool{
	"euler": true, "euler_ancestral": true, "heun": true, "dpm_2": true,
	"dpm_2_ancestral": true, "lms": true, "dpm_fast": true, "dpm_adaptive": true,
	"dpmpp_2s_ancestral": true, "dpmpp_sde": true, "dpmpp_2m": true,
	"dpmpp_3m_sde": true, "ddim": true, "uni_pc": true,
}

var Schedulers = map[string]bool{
	"normal": true, "karras": true, "exponential": true,
	"sgm_uniform": true, "simple": true, "ddim_uniform": true,
}

// shellMetachars strips characters that have no business in a text
// prompt but are common injection vectors if the prompt is ever
// interpolated into a build template downstream.
var shellMetachars = regexp.MustCompile("[;&|`$(){}<>\\\\]")
var whitespaceRun = regexp.MustCompile(`\s+`)

// GenerateRequest is the POST /api/generate body.
type GenerateRequest struct {
	WorkflowID     string   `json:"workflow_id"`
	PositivePrompt string   `json:"positive_prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Seed           *int64   `json:"seed"`
	Width          *int     `json:"width"`
	Height         *int     `json:"height"`
	Steps          *int     `json:"steps"`
	CFG            *float64 `json:"cfg"`
	SamplerName    string   `json:"sampler_name"`
	Scheduler      string   `json:"scheduler"`
	BatchSize      *int     `json:"batch_size"`
	InputImage     string   `json:"input_image"`
	ReturnBase64   bool     `json:"return_base64"`
}

// Normalize validates req and returns the field->value map ready for
// parameter injection. It mutates nothing on req; all clamping happens
// on the returned copy.
func Normalize(req GenerateRequest) (GenerateRequest, map[string]any, error) {
	out := req

	prompt := normalizeWhitespace(out.PositivePrompt)
	prompt = shellMetachars.ReplaceAllString(prompt, "")
	if len(prompt) == 0 {
		return out, nil, forgeerrors.ValidationField("positive_prompt", "must not be empty")
	}
	if len(prompt) > maxPromptLen {
		prompt = prompt[:maxPromptLen]
	}
	out.PositivePrompt = prompt
	out.NegativePrompt = shellMetachars.ReplaceAllString(normalizeWhitespace(out.NegativePrompt), "")

	width := clampInt(derefInt(out.Width, 512), minDimension, maxDimension)
	height := clampInt(derefInt(out.Height, 512), minDimension, maxDimension)
	width = roundToMultiple(width, dimensionStep)
	height = roundToMultiple(height, dimensionStep)
	out.Width = pointers.Int(width)
	out.Height = pointers.Int(height)

	steps := clampInt(derefInt(out.Steps, 20), minSteps, maxSteps)
	out.Steps = pointers.Int(steps)

	cfg := clampFloat(derefFloat(out.CFG, 7.0), minCFG, maxCFG)
	out.CFG = pointers.Float64(cfg)

	seed := derefInt64(out.Seed, -1)
	if seed < minSeed || seed > maxSeed {
		return out, nil, forgeerrors.ValidationField("seed", "must be between -1 and 2^32-1")
	}
	out.Seed = pointers.Ptr(seed)

	batch := clampInt(derefInt(out.BatchSize, 1), minBatch, maxBatch)
	if width*height >= highResBatchLimit && batch > highResBatchClamped {
		batch = highResBatchClamped
	}
	out.BatchSize = pointers.Int(batch)

	if out.SamplerName == "" {
		out.SamplerName = "euler"
	} else if !SamplerNames[out.SamplerName] {
		return out, nil, forgeerrors.ValidationField("sampler_name", "unrecognized sampler: "+out.SamplerName)
	}

	if out.Scheduler == "" {
		out.Scheduler = "normal"
	} else if !Schedulers[out.Scheduler] {
		return out, nil, forgeerrors.ValidationField("scheduler", "unrecognized scheduler: "+out.Scheduler)
	}

	params := map[string]any{
		"positive_prompt": out.PositivePrompt,
		"seed":            seed,
		"steps":           steps,
		"cfg":             cfg,
		"sampler_name":    out.SamplerName,
		"scheduler":       out.Scheduler,
		"width":           width,
		"height":          height,
		"batch_size":      batch,
	}
	if out.NegativePrompt != "" {
		params["negative_prompt"] = out.NegativePrompt
	}
	if out.InputImage != "" {
		params["input_image"] = out.InputImage
	}
	return out, params, nil
}

// ParsePriority validates the ?priority= query parameter, rejecting
// anything outside {high, normal, low} rather than silently defaulting,
// unlike domain.ParsePriority, which is used for internal/trusted call
// sites that already guarantee a closed set.
func ParsePriority(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "normal":
		return "normal", nil
	case "high":
		return "high", nil
	case "low":
		return "low", nil
	default:
		return "", forgeerrors.ValidationField("priority", "must be one of high, normal, low")
	}
}

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// roundToMultiple rounds v to the nearest multiple of step, so 513
// normalizes to 512.
func roundToMultiple(v, step int) int {
	return ((v + step/2) / step) * step
}

func derefInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func derefInt64(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

func derefFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
