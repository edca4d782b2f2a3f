package disk

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/go-cmp/cmp"

	storageerrors "github.com/jbweber/poold/internal/storage/errors"
)

func TestUploadDownload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	writeFile(t, path, bytes.Repeat([]byte{'.'}, 16))
	ctx := context.Background()

	if err := Upload(ctx, path, strings.NewReader("abcdefgh"), 4, 4); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if got, want := string(data), "....abcd........"; got != want {
		t.Errorf("after upload = %q, want %q", got, want)
	}

	tests := []struct {
		offset, length uint64
		want           string
	}{
		{0, 0, "....abcd........"},
		{4, 2, "ab"},
		{12, 0, "...."},
		{14, 10, ".."},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := Download(ctx, path, &buf, tt.offset, tt.length); err != nil {
			t.Fatalf("Download(%d, %d) error = %v", tt.offset, tt.length, err)
		}
		if buf.String() != tt.want {
			t.Errorf("Download(%d, %d) = %q, want %q", tt.offset, tt.length, buf.String(), tt.want)
		}
	}
}

func TestUploadMissingFile(t *testing.T) {
	err := Upload(context.Background(), filepath.Join(t.TempDir(), "absent"), strings.NewReader("x"), 0, 0)
	if !errors.Is(err, storageerrors.IOFailure) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Upload() error = %v, want IOFailure wrapping ErrNotExist", err)
	}
}

func TestTransferOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	writeFile(t, path, bytes.Repeat([]byte{'.'}, 16))
	ctx := context.Background()

	tests := []struct {
		name           string
		offset, length uint64
	}{
		{"length above int64", 0, math.MaxUint64},
		{"offset above int64", math.MaxInt64 + 1, 1},
		{"end overflows", 8, math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Upload(ctx, path, strings.NewReader("abcd"), tt.offset, tt.length); !errors.Is(err, storageerrors.InvalidArgument) {
				t.Errorf("Upload() error = %v, want InvalidArgument", err)
			}
			var buf bytes.Buffer
			if err := Download(ctx, path, &buf, tt.offset, tt.length); !errors.Is(err, storageerrors.InvalidArgument) {
				t.Errorf("Download() error = %v, want InvalidArgument", err)
			}
		})
	}

	data, _ := os.ReadFile(path)
	if string(data) != "................" {
		t.Errorf("file changed by rejected upload: %q", data)
	}
}

func TestCopyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := copyN(ctx, &buf, strings.NewReader("data"), 0)
	if !errors.Is(err, context.Canceled) || buf.Len() != 0 {
		t.Errorf("copyN() = %v with %d bytes, want context.Canceled", err, buf.Len())
	}
}

func TestWipe(t *testing.T) {
	content := bytes.Repeat([]byte{0xaa}, 3*wipeChunk/2)

	tests := []struct {
		name    string
		alg     libvirt.StorageVolWipeAlgorithm
		check   func(t *testing.T, data []byte)
		want    []string
		wantErr error
	}{
		{
			name: "zero",
			alg:  libvirt.StorageVolWipeAlgZero,
			check: func(t *testing.T, data []byte) {
				if !bytes.Equal(data, make([]byte, len(content))) {
					t.Error("volume not zeroed")
				}
			},
		},
		{
			name: "random",
			alg:  libvirt.StorageVolWipeAlgRandom,
			check: func(t *testing.T, data []byte) {
				if len(data) != len(content) || bytes.Equal(data, content) {
					t.Error("volume not overwritten in place")
				}
			},
		},
		{
			name: "trim",
			alg:  libvirt.StorageVolWipeAlgTrim,
			check: func(t *testing.T, data []byte) {
				if !bytes.Equal(data, make([]byte, len(content))) {
					t.Error("holes not punched")
				}
			},
		},
		{
			name: "gutmann runs scrub",
			alg:  libvirt.StorageVolWipeAlgGutmann,
			want: []string{"scrub -f -p gutmann %s"},
		},
		{
			name:    "unknown algorithm",
			alg:     libvirt.StorageVolWipeAlgorithm(99),
			wantErr: storageerrors.Unsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vol.img")
			writeFile(t, path, content)
			run := &fakeRunner{}

			err := Wipe(context.Background(), run, path, tt.alg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Wipe() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Wipe() error = %v", err)
			}

			var want []string
			for _, w := range tt.want {
				want = append(want, strings.ReplaceAll(w, "%s", path))
			}
			if diff := cmp.Diff(want, run.ran()); diff != "" {
				t.Errorf("commands mismatch (-want +got):\n%s", diff)
			}
			if tt.check != nil {
				data, err := os.ReadFile(path)
				if err != nil {
					t.Fatal(err)
				}
				tt.check(t, data)
			}
		})
	}
}
