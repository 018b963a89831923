package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// UnknownLabel is used for indices the label table does not cover.
const UnknownLabel = "Unknown Plant"

// Labels maps class indices to human readable names.
type Labels map[int]string

// Name returns the label for index i, or UnknownLabel.
func (l Labels) Name(i int) string {
	if name, ok := l[i]; ok && name != "" {
		return name
	}
	return UnknownLabel
}

// LoadLabels reads a JSON table that is either an array of names or an
// object keyed by decimal class index.
func LoadLabels(path string) (Labels, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLabels(b)
}

// ParseLabels accepts either a JSON array of names or an object keyed by
// decimal class index.
func ParseLabels(b []byte) (Labels, error) {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		labels := make(Labels, len(list))
		for i, name := range list {
			labels[i] = name
		}
		return labels, nil
	}

	var byKey map[string]string
	if err := json.Unmarshal(b, &byKey); err != nil {
		return nil, fmt.Errorf("labels must be a JSON array or object: %w", err)
	}
	labels := make(Labels, len(byKey))
	for k, name := range byKey {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("label key %q is not a class index", k)
		}
		labels[i] = name
	}
	return labels, nil
}

// Ranked is one entry of a top-k result.
type Ranked struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Probability float32 `json:"probability"`
	Confidence  string  `json:"confidence"`
}

// TopK returns the k most probable classes, highest first. Equal
// probabilities keep the lower index first.
func TopK(probs []float32, k int, labels Labels) []Ranked {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	if k < 0 {
		k = 0
	}

	out := make([]Ranked, 0, k)
	for _, i := range idx[:k] {
		out = append(out, Ranked{
			Index:       i,
			Name:        labels.Name(i),
			Probability: probs[i],
			Confidence:  strconv.FormatFloat(float64(probs[i])*100, 'f', 1, 64),
		})
	}
	return out
}
