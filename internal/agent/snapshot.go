package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var ErrSnapshotNotFound = errors.New("agent: snapshot not found")

// SnapshotStore persists reasoning traces.
type SnapshotStore interface {
	Create(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context, limit int) ([]*Snapshot, error)
}

// Replay re-runs a persisted trace.
//   - exact reconstructs the recorded run; no model or tool is touched.
//   - adaptive runs the loop fresh with the snapshot's config.
//   - dry-run runs the loop but skips side-effecting tools, substituting the
//     recorded result when one matches the requested tool.
func (r *Runner) Replay(ctx context.Context, snapshotID string, mode ReplayMode) (map[string]any, error) {
	if r.snapshots == nil {
		return nil, errors.New("agent: replay requires a snapshot store")
	}
	snap, err := r.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	var result *LoopResult
	switch mode {
	case ReplayExact:
		result = snap.Result
	case ReplayAdaptive:
		result, err = r.run(ctx, snap.Config, nil)
	case ReplayDryRun:
		result, err = r.run(ctx, snap.Config, dryRunOverride(snap))
	default:
		return nil, fmt.Errorf("agent: unknown replay mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	out := resultMap(result)
	out["replayMode"] = string(mode)
	out["snapshotId"] = snap.ID
	return out, nil
}

// dryRunOverride skips side-effecting tools, preferring the recorded result
// for the same tool when the original run has one left unconsumed.
func dryRunOverride(snap *Snapshot) toolOverride {
	used := make([]bool, len(snap.Result.ToolCalls))
	return func(_ context.Context, tool Tool, _ map[string]any) (any, error, bool) {
		if !tool.SideEffecting() {
			return nil, nil, false
		}
		for i, recorded := range snap.Result.ToolCalls {
			if used[i] || recorded.ToolName != tool.Name() || !recorded.Success {
				continue
			}
			used[i] = true
			return recorded.Result, nil, true
		}
		return map[string]any{
			"skipped": true,
			"reason":  "side-effecting tool suppressed in dry-run replay",
		}, nil, true
	}
}

// SnapshotDiff compares two traces section by section.
type SnapshotDiff struct {
	Similarity float64        `json:"similarity"` // 0..1
	Config     []string       `json:"config,omitempty"`
	Steps      map[string]any `json:"steps,omitempty"`
	ToolCalls  map[string]any `json:"toolCalls,omitempty"`
	Results    []string       `json:"results,omitempty"`
}

// Diff reports a similarity score and a structured diff over
// {config, steps, toolCalls, results}.
func Diff(original, candidate *Snapshot) *SnapshotDiff {
	d := &SnapshotDiff{Steps: map[string]any{}, ToolCalls: map[string]any{}}

	matched, total := 0, 0
	score := func(ok bool) {
		total++
		if ok {
			matched++
		}
	}

	// Config, field by field.
	cfgFields := map[string][2]any{
		"model":        {original.Config.Model, candidate.Config.Model},
		"prompt":       {original.Config.Prompt, candidate.Config.Prompt},
		"systemPrompt": {original.Config.SystemPrompt, candidate.Config.SystemPrompt},
		"tools":        {original.Config.Tools, candidate.Config.Tools},
		"maxSteps":     {original.Config.MaxSteps, candidate.Config.MaxSteps},
	}
	for field, pair := range cfgFields {
		same := reflect.DeepEqual(pair[0], pair[1])
		score(same)
		if !same {
			d.Config = append(d.Config, field)
		}
	}

	// Steps: count and kind sequence.
	origKinds := stepKinds(original.Result)
	candKinds := stepKinds(candidate.Result)
	if !reflect.DeepEqual(origKinds, candKinds) {
		d.Steps["original"] = origKinds
		d.Steps["candidate"] = candKinds
	}
	score(len(origKinds) == len(candKinds))
	score(reflect.DeepEqual(origKinds, candKinds))

	// Tool calls: pairwise name + parameters.
	origCalls, candCalls := resultCalls(original.Result), resultCalls(candidate.Result)
	n := len(origCalls)
	if len(candCalls) > n {
		n = len(candCalls)
	}
	var mismatched []int
	for i := 0; i < n; i++ {
		same := i < len(origCalls) && i < len(candCalls) &&
			origCalls[i].ToolName == candCalls[i].ToolName &&
			jsonEqual(origCalls[i].Parameters, candCalls[i].Parameters)
		score(same)
		if !same {
			mismatched = append(mismatched, i)
		}
	}
	if len(mismatched) > 0 {
		d.ToolCalls["mismatchedIndexes"] = mismatched
		d.ToolCalls["originalCount"] = len(origCalls)
		d.ToolCalls["candidateCount"] = len(candCalls)
	}

	// Results: final text and success flag.
	if original.Result != nil && candidate.Result != nil {
		score(original.Result.Text == candidate.Result.Text)
		score(original.Result.Success == candidate.Result.Success)
		if original.Result.Text != candidate.Result.Text {
			d.Results = append(d.Results, "text")
		}
		if original.Result.Success != candidate.Result.Success {
			d.Results = append(d.Results, "success")
		}
	}

	if total > 0 {
		d.Similarity = float64(matched) / float64(total)
	}
	if len(d.Steps) == 0 {
		d.Steps = nil
	}
	if len(d.ToolCalls) == 0 {
		d.ToolCalls = nil
	}
	return d
}

func stepKinds(r *LoopResult) []string {
	if r == nil {
		return nil
	}
	kinds := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		kinds[i] = string(s.Kind)
	}
	return kinds
}

func resultCalls(r *LoopResult) []ToolCall {
	if r == nil {
		return nil
	}
	return r.ToolCalls
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
