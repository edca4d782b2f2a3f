package naming

import "testing"

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "simple", in: "default"},
		{name: "with dots and dashes", in: "vm-images.fast"},
		{name: "scsi unit", in: "unit:0:0:1"},
		{name: "empty", in: "", wantErr: true},
		{name: "slash", in: "a/b", wantErr: true},
		{name: "dot", in: ".", wantErr: true},
		{name: "dotdot", in: "..", wantErr: true},
		{name: "control char", in: "a\nb", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	if got, want := ConfigDir("/etc/poold"), "/etc/poold/storage"; got != want {
		t.Errorf("ConfigDir() = %q, want %q", got, want)
	}
	if got, want := AutostartDir("/etc/poold"), "/etc/poold/storage/autostart"; got != want {
		t.Errorf("AutostartDir() = %q, want %q", got, want)
	}
	if got, want := ConfigFile("/etc/poold/storage", "p1"), "/etc/poold/storage/p1.xml"; got != want {
		t.Errorf("ConfigFile() = %q, want %q", got, want)
	}
	if got, want := AutostartLink("/a", "p1"), "/a/p1.xml"; got != want {
		t.Errorf("AutostartLink() = %q, want %q", got, want)
	}
}

func TestPoolNameFromConfig(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: "p1.xml", want: "p1", wantOK: true},
		{in: "/etc/poold/storage/images.xml", want: "images", wantOK: true},
		{in: ".xml"},
		{in: "notes.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := PoolNameFromConfig(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("PoolNameFromConfig(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSCSIUnitName(t *testing.T) {
	if got, want := SCSIUnitName(0, 1, 2), "unit:0:1:2"; got != want {
		t.Errorf("SCSIUnitName() = %q, want %q", got, want)
	}
}

func TestParseSCSIAddress(t *testing.T) {
	h, b, tg, l, err := ParseSCSIAddress("3:0:1:7")
	if err != nil {
		t.Fatalf("ParseSCSIAddress() error = %v", err)
	}
	if h != 3 || b != 0 || tg != 1 || l != 7 {
		t.Errorf("ParseSCSIAddress() = %d:%d:%d:%d, want 3:0:1:7", h, b, tg, l)
	}

	for _, bad := range []string{"host3", "1:2:3", "a:b:c:d", "1:2:3:4:5"} {
		if _, _, _, _, err := ParseSCSIAddress(bad); err == nil {
			t.Errorf("ParseSCSIAddress(%q) expected error", bad)
		}
	}
}

func TestHostNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{in: "scsi_host5", want: 5},
		{in: "fc_host2", want: 2},
		{in: "host0", want: 0},
		{in: "host", wantErr: true},
		{in: "sda", wantErr: true},
		{in: "hostx", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := HostNumber(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("HostNumber(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("HostNumber(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
