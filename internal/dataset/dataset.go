// Package dataset reads nnU-Net raw dataset descriptors (dataset.json) and
// exposes the fields the prediction core needs: the primary file ending,
// the ordered channel list and the declared label values.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"nnunetserver/internal/apperr"
)

var keyPattern = regexp.MustCompile(`^Dataset(\d{3})_([^/\\]+)$`)

// ValidKey reports whether key has the DatasetNNN_name shape.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Number returns the three-digit dataset number encoded in key.
func Number(key string) (int, bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// LabelValue is a label entry. nnU-Net allows a single integer or, for
// region-based training, a list of integers.
type LabelValue []int

func (v *LabelValue) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var many []int
		if err := json.Unmarshal(raw, &many); err != nil {
			return err
		}
		*v = many
		return nil
	}
	var one int
	if err := json.Unmarshal(raw, &one); err != nil {
		return err
	}
	*v = LabelValue{one}
	return nil
}

func (v LabelValue) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]int(v))
}

// Dataset mirrors dataset.json.
type Dataset struct {
	ID              string                `json:"id,omitempty"`
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	Reference       string                `json:"reference"`
	Licence         string                `json:"licence"`
	TensorImageSize string                `json:"tensorImageSize"`
	Labels          map[string]LabelValue `json:"labels"`
	ChannelNames    map[string]string     `json:"channel_names"`
	FileEnding      string                `json:"file_ending"`
	NumTraining     int                   `json:"numTraining"`
	NumTest         int                   `json:"numTest"`
}

// Validate enforces the fields every workspace operation depends on.
func (d Dataset) Validate() error {
	if strings.TrimSpace(d.FileEnding) == "" {
		return apperr.Errorf(apperr.ErrValidationFailed, "missing 'file_ending' in dataset.json for %s", d.ID)
	}
	if len(d.ChannelNames) == 0 {
		return apperr.Errorf(apperr.ErrValidationFailed, "missing 'channel_names' in dataset.json for %s", d.ID)
	}
	return nil
}

// Channels returns channel names ordered by their numeric index key.
func (d Dataset) Channels() []string {
	type pair struct {
		idx  int
		key  string
		name string
	}
	pairs := make([]pair, 0, len(d.ChannelNames))
	for k, name := range d.ChannelNames {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			idx = int(^uint(0) >> 1)
		}
		pairs = append(pairs, pair{idx: idx, key: k, name: name})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].idx == pairs[j].idx {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].idx < pairs[j].idx
	})
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.name
	}
	return out
}

// HasLabel reports whether value is declared anywhere in the label map.
func (d Dataset) HasLabel(value int) bool {
	for _, vs := range d.Labels {
		for _, v := range vs {
			if v == value {
				return true
			}
		}
	}
	return false
}

// Definition is the client payload for creating a dataset.
type Definition struct {
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	Reference       string                `json:"reference"`
	Licence         string                `json:"licence"`
	TensorImageSize string                `json:"tensorImageSize"`
	Labels          map[string]LabelValue `json:"labels"`
	ChannelNames    map[string]string     `json:"channel_names"`
	FileEnding      string                `json:"file_ending"`
	NumTraining     int                   `json:"numTraining"`
	NumTest         int                   `json:"numTest"`
}

func (def Definition) validate() error {
	name := strings.TrimSpace(def.Name)
	switch {
	case name == "":
		return apperr.Errorf(apperr.ErrValidationFailed, "name is required")
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return apperr.Errorf(apperr.ErrValidationFailed, "invalid dataset name %q", def.Name)
	case !strings.HasPrefix(def.FileEnding, "."):
		return apperr.Errorf(apperr.ErrValidationFailed, "file_ending must start with '.'")
	case len(def.ChannelNames) == 0:
		return apperr.Errorf(apperr.ErrValidationFailed, "channel_names is required")
	case len(def.Labels) == 0:
		return apperr.Errorf(apperr.ErrValidationFailed, "labels is required")
	}
	return nil
}

func (def Definition) toDataset(id string) Dataset {
	return Dataset{
		ID:              id,
		Name:            strings.TrimSpace(def.Name),
		Description:     def.Description,
		Reference:       def.Reference,
		Licence:         def.Licence,
		TensorImageSize: def.TensorImageSize,
		Labels:          def.Labels,
		ChannelNames:    def.ChannelNames,
		FileEnding:      def.FileEnding,
		NumTraining:     def.NumTraining,
		NumTest:         def.NumTest,
	}
}

func formatKey(number int, name string) string {
	return fmt.Sprintf("Dataset%03d_%s", number, name)
}
