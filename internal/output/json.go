package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/poold/internal/storage"
	"github.com/jbweber/poold/internal/storagefile"
)

// JSONFormatter formats resources as JSON. Lists are arrays.
type JSONFormatter struct{}

// FormatPool formats a single pool as JSON.
func (f *JSONFormatter) FormatPool(pool *storage.PoolInfo) (string, error) {
	return marshalJSON(newPoolView(pool), "pool")
}

// FormatPoolList formats pools as a JSON array.
func (f *JSONFormatter) FormatPoolList(pools []*storage.PoolInfo) (string, error) {
	views := make([]poolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, newPoolView(p))
	}
	return marshalJSON(views, "pools")
}

// FormatVolume formats a single volume as JSON.
func (f *JSONFormatter) FormatVolume(vol *storage.VolumeInfo) (string, error) {
	return marshalJSON(newVolumeView(vol), "volume")
}

// FormatVolumeList formats volumes as a JSON array.
func (f *JSONFormatter) FormatVolumeList(vols []*storage.VolumeInfo) (string, error) {
	views := make([]volumeView, 0, len(vols))
	for _, v := range vols {
		views = append(views, newVolumeView(v))
	}
	return marshalJSON(views, "volumes")
}

// FormatChain formats a backing chain as a JSON array, top image first.
func (f *JSONFormatter) FormatChain(chain *storagefile.Source) (string, error) {
	return marshalJSON(chainLinks(chain), "backing chain")
}

func marshalJSON(v interface{}, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}
