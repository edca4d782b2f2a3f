package output

import (
	"bytes"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/jbweber/poold/internal/storage"
	"github.com/jbweber/poold/internal/storagefile"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatPool formats a single pool as a list of fields.
func (f *TableFormatter) FormatPool(pool *storage.PoolInfo) (string, error) {
	v := newPoolView(pool)
	return fields(
		"Name", v.Name,
		"UUID", v.UUID,
		"Type", v.Type,
		"State", v.State,
		"Persistent", yesNo(v.Persistent),
		"Autostart", yesNo(v.Autostart),
		"Target", dash(v.Target),
		"Capacity", size(v.Capacity),
		"Allocation", size(v.Allocation),
		"Available", size(v.Available),
		"Volumes", fmt.Sprint(v.Volumes),
	), nil
}

// FormatPoolList formats pools as a table.
func (f *TableFormatter) FormatPoolList(pools []*storage.PoolInfo) (string, error) {
	if len(pools) == 0 {
		return "No pools found\n", nil
	}
	return f.table("NAME\tTYPE\tSTATE\tAUTOSTART\tPERSISTENT\tCAPACITY\tALLOCATION\tAVAILABLE\tVOLUMES", func(w io.Writer) {
		for _, p := range pools {
			v := newPoolView(p)
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				v.Name, v.Type, v.State, yesNo(v.Autostart), yesNo(v.Persistent),
				size(v.Capacity), size(v.Allocation), size(v.Available), v.Volumes)
		}
	}), nil
}

// FormatVolume formats a single volume as a list of fields.
func (f *TableFormatter) FormatVolume(vol *storage.VolumeInfo) (string, error) {
	v := newVolumeView(vol)
	return fields(
		"Name", v.Name,
		"Pool", v.Pool,
		"Key", v.Key,
		"Path", v.Path,
		"Type", v.Type,
		"Format", dash(v.Format),
		"Capacity", size(v.Capacity),
		"Allocation", size(v.Allocation),
		"Backing store", dash(v.Backing),
		"Label", dash(v.Label),
	), nil
}

// FormatVolumeList formats volumes as a table.
func (f *TableFormatter) FormatVolumeList(vols []*storage.VolumeInfo) (string, error) {
	if len(vols) == 0 {
		return "No volumes found\n", nil
	}
	return f.table("NAME\tPATH\tTYPE\tFORMAT\tCAPACITY\tALLOCATION", func(w io.Writer) {
		for _, vol := range vols {
			v := newVolumeView(vol)
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				v.Name, v.Path, v.Type, dash(v.Format), size(v.Capacity), size(v.Allocation))
		}
	}), nil
}

// FormatChain formats a backing chain, one image per row.
func (f *TableFormatter) FormatChain(chain *storagefile.Source) (string, error) {
	return f.table("DEPTH\tTYPE\tFORMAT\tCAPACITY\tPATH", func(w io.Writer) {
		for _, l := range chainLinks(chain) {
			where := l.Path
			if l.Protocol != "" {
				where = fmt.Sprintf("%s://%s%s", l.Protocol, l.Host, l.Path)
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				l.Depth, l.Type, dash(l.Format), size(l.Capacity), where)
		}
	}), nil
}

func (f *TableFormatter) table(header string, rows func(w io.Writer)) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, header)
	}
	rows(w)
	_ = w.Flush()
	return buf.String()
}

// fields renders alternating label, value pairs as aligned "Label: value"
// lines.
func fields(kv ...string) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 1, ' ', 0)
	for i := 0; i+1 < len(kv); i += 2 {
		_, _ = fmt.Fprintf(w, "%s:\t%s\n", kv[i], kv[i+1])
	}
	_ = w.Flush()
	return buf.String()
}

// size renders a byte count in binary units, e.g. "10 GiB".
func size(n uint64) string {
	if n == 0 {
		return "-"
	}
	return humanize.IBytes(n)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
