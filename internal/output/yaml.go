package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/poold/internal/storage"
	"github.com/jbweber/poold/internal/storagefile"
)

// YAMLFormatter formats resources as YAML. Lists are streams of documents
// separated by ---.
type YAMLFormatter struct{}

// FormatPool formats a single pool as YAML.
func (f *YAMLFormatter) FormatPool(pool *storage.PoolInfo) (string, error) {
	return marshalYAML(newPoolView(pool), pool.Name)
}

// FormatPoolList formats pools as a YAML stream.
func (f *YAMLFormatter) FormatPoolList(pools []*storage.PoolInfo) (string, error) {
	docs := make([]interface{}, 0, len(pools))
	for _, p := range pools {
		docs = append(docs, newPoolView(p))
	}
	return stream(docs)
}

// FormatVolume formats a single volume as YAML.
func (f *YAMLFormatter) FormatVolume(vol *storage.VolumeInfo) (string, error) {
	return marshalYAML(newVolumeView(vol), vol.Name)
}

// FormatVolumeList formats volumes as a YAML stream.
func (f *YAMLFormatter) FormatVolumeList(vols []*storage.VolumeInfo) (string, error) {
	docs := make([]interface{}, 0, len(vols))
	for _, v := range vols {
		docs = append(docs, newVolumeView(v))
	}
	return stream(docs)
}

// FormatChain formats a backing chain as a single YAML sequence.
func (f *YAMLFormatter) FormatChain(chain *storagefile.Source) (string, error) {
	return marshalYAML(chainLinks(chain), "backing chain")
}

func marshalYAML(v interface{}, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}

func stream(docs []interface{}) (string, error) {
	var buf bytes.Buffer
	for i, doc := range docs {
		data, err := yaml.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("failed to marshal document %d to YAML: %w", i, err)
		}
		// Add document separator between documents (but not before the first one)
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
