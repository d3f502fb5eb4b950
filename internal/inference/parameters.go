package inference

import (
	"encoding/json"
	"math/rand"
	"sort"
	"strconv"

	"github.com/deeployd/forge/internal/logger"
)

// SamplerNames and Schedulers are the closed enums validated against at
// the API boundary (internal/validate) and recognized here.
var SamplerNames = []string{
	"euler", "euler_ancestral", "heun", "dpm_2", "dpm_2_ancestral", "lms",
	"dpm_fast", "dpm_adaptive", "dpmpp_2s_ancestral", "dpmpp_sde",
	"dpmpp_2m", "dpmpp_3m_sde", "ddim", "uni_pc",
}

var Schedulers = []string{
	"normal", "karras", "exponential", "sgm_uniform", "simple", "ddim_uniform",
}

// injectionTarget names which node class and input field a recognized
// parameter should be written into (CLIPTextEncode.text for prompts,
// KSampler.* for sampler params, EmptyLatentImage.* for dimensions).
// Prompts address CLIPTextEncode nodes by position: the positive prompt
// goes to the first node and the negative prompt to the second (it is
// dropped when the graph has only one). Every other parameter is written
// into every node of its class.
type injectionTarget struct {
	classType string
	field     string
	negative  bool
}

var parameterTargets = map[string]injectionTarget{
	"positive_prompt": {classType: "CLIPTextEncode", field: "text"},
	"negative_prompt": {classType: "CLIPTextEncode", field: "text", negative: true},
	"seed":            {classType: "KSampler", field: "seed"},
	"steps":           {classType: "KSampler", field: "steps"},
	"cfg":             {classType: "KSampler", field: "cfg"},
	"sampler_name":    {classType: "KSampler", field: "sampler_name"},
	"scheduler":       {classType: "KSampler", field: "scheduler"},
	"width":           {classType: "EmptyLatentImage", field: "width"},
	"height":          {classType: "EmptyLatentImage", field: "height"},
	"batch_size":      {classType: "EmptyLatentImage", field: "batch_size"},
	"input_image":     {classType: "LoadImage", field: "image"},
}

// InjectParameters deep-copies workflow and writes each recognized
// parameter into its mapped node field. Unrecognized names are ignored
// with a debug log.
func InjectParameters(workflow map[string]any, params map[string]any, log *logger.Logger) (map[string]any, error) {
	raw, err := json.Marshal(workflow)
	if err != nil {
		return nil, err
	}
	var clone map[string]any
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, err
	}

	clipTextNodes := nodesOfClass(clone, "CLIPTextEncode")

	for name, value := range params {
		target, ok := parameterTargets[name]
		if !ok {
			log.Debug("unrecognized parameter, ignored", "parameter", name)
			continue
		}

		// seed == -1 means "pick one for me": substitute a random
		// 32-bit value rather than writing the literal -1 into the
		// sampler node.
		if name == "seed" && isRandomSeed(value) {
			value = rand.Int63n(1 << 32)
			log.Debug("randomized seed", "seed", value)
		}

		switch target.classType {
		case "CLIPTextEncode":
			idx := 0
			if target.negative {
				idx = 1
			}
			if idx < len(clipTextNodes) {
				setInput(clone, clipTextNodes[idx], target.field, value)
			}
		default:
			for _, nodeID := range nodesOfClass(clone, target.classType) {
				setInput(clone, nodeID, target.field, value)
			}
		}
	}

	return clone, nil
}

// nodesOfClass returns matching node ids in ascending numeric order
// (ComfyUI node ids are small integers serialized as strings) so that,
// e.g., the first CLIPTextEncode node is always treated as positive and
// the second as negative, regardless of map iteration order.
func nodesOfClass(workflow map[string]any, classType string) []string {
	var ids []string
	for id, raw := range workflow {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if node["class_type"] == classType {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, erri := strconv.Atoi(ids[i])
		nj, errj := strconv.Atoi(ids[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func isRandomSeed(v any) bool {
	switch n := v.(type) {
	case int:
		return n == -1
	case int64:
		return n == -1
	case float64:
		return n == -1
	default:
		return false
	}
}

func setInput(workflow map[string]any, nodeID, field string, value any) {
	node, ok := workflow[nodeID].(map[string]any)
	if !ok {
		return
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		inputs = make(map[string]any)
		node["inputs"] = inputs
	}
	inputs[field] = value
}
