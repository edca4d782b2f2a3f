package pooldef

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const dirPoolXML = `<pool type="dir">
  <name>p1</name>
  <uuid>8C3E8A2C-27B1-4E5A-9C55-2D3E4F5A6B7C</uuid>
  <capacity unit="GiB">1</capacity>
  <target>
    <path>/data/p1/</path>
    <permissions><owner>107</owner><group>107</group><mode>0755</mode></permissions>
  </target>
</pool>`

const scsiPoolXML = `<pool type="scsi">
  <name>hba0</name>
  <source>
    <adapter type="fc_host" parent="scsi_host3" wwnn="20000000c9831b4b" wwpn="10000000c9831b4b"/>
  </source>
  <target><path>/dev/disk/by-path</path></target>
</pool>`

func TestParsePoolXML(t *testing.T) {
	def, err := ParsePoolXML(dirPoolXML)
	if err != nil {
		t.Fatalf("ParsePoolXML() error = %v", err)
	}

	want := &PoolDef{
		Name:     "p1",
		UUID:     "8c3e8a2c-27b1-4e5a-9c55-2d3e4f5a6b7c",
		Type:     PoolTypeDir,
		Capacity: 1 << 30,
		Target: PoolTarget{
			Path:  "/data/p1",
			Perms: Permissions{Owner: "107", Group: "107", Mode: "0755"},
		},
	}
	if diff := cmp.Diff(want, def); diff != "" {
		t.Errorf("ParsePoolXML() mismatch (-want +got):\n%s", diff)
	}
	if def.Target.Perms.UID() != 107 || def.Target.Perms.FileMode(0) != 0o755 {
		t.Errorf("permissions not decoded: uid=%d mode=%o", def.Target.Perms.UID(), def.Target.Perms.FileMode(0))
	}
}

func TestParsePoolXML_SCSIAdapter(t *testing.T) {
	def, err := ParsePoolXML(scsiPoolXML)
	if err != nil {
		t.Fatalf("ParsePoolXML() error = %v", err)
	}
	if def.UUID == "" {
		t.Error("missing uuid should be generated")
	}
	a := def.Source.Adapter
	if a == nil || a.Type != AdapterFCHost || a.Parent != "scsi_host3" || a.WWPN != "10000000c9831b4b" {
		t.Errorf("adapter = %+v", a)
	}
}

func TestParsePoolXML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not xml", doc: "pool"},
		{name: "missing name", doc: `<pool type="dir"><target><path>/a</path></target></pool>`},
		{name: "unknown type", doc: `<pool type="floppy"><name>a</name><target><path>/a</path></target></pool>`},
		{name: "missing target", doc: `<pool type="dir"><name>a</name></pool>`},
		{name: "relative target", doc: `<pool type="dir"><name>a</name><target><path>a</path></target></pool>`},
		{name: "bad uuid", doc: `<pool type="dir"><name>a</name><uuid>xyz</uuid><target><path>/a</path></target></pool>`},
		{name: "scsi without adapter", doc: `<pool type="scsi"><name>a</name><target><path>/dev</path></target></pool>`},
		{name: "scsi bad adapter name", doc: `<pool type="scsi"><name>a</name><source><adapter type="scsi_host" name="sda"/></source><target><path>/dev</path></target></pool>`},
		{name: "fc without wwn", doc: `<pool type="scsi"><name>a</name><source><adapter type="fc_host"/></source><target><path>/dev</path></target></pool>`},
		{name: "bad mode", doc: `<pool type="dir"><name>a</name><target><path>/a</path><permissions><mode>999</mode></permissions></target></pool>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePoolXML(tt.doc); err == nil {
				t.Error("ParsePoolXML() expected error")
			}
		})
	}
}

func TestFormatPoolXML(t *testing.T) {
	def, err := ParsePoolXML(scsiPoolXML)
	if err != nil {
		t.Fatalf("ParsePoolXML() error = %v", err)
	}
	def.Capacity = 4096

	doc, err := FormatPoolXML(def)
	if err != nil {
		t.Fatalf("FormatPoolXML() error = %v", err)
	}
	if strings.HasPrefix(doc, "<?xml") {
		t.Error("FormatPoolXML() should drop the XML declaration")
	}

	again, err := ParsePoolXML(doc)
	if err != nil {
		t.Fatalf("ParsePoolXML(formatted) error = %v\n%s", err, doc)
	}
	if diff := cmp.Diff(def, again); diff != "" {
		t.Errorf("formatted definition does not parse back (-want +got):\n%s", diff)
	}
}

func TestParseVolXML(t *testing.T) {
	pool := &PoolDef{Name: "p1", Type: PoolTypeDir, Target: PoolTarget{Path: "/data/p1"}}

	tests := []struct {
		name    string
		doc     string
		opts    VolParseOptions
		want    *VolDef
		wantErr bool
	}{
		{
			name: "capacity and allocation",
			doc: `<volume><name>v1</name><capacity unit="MiB">100</capacity><allocation unit="MiB">10</allocation>
			      <target><format type="qcow2"/></target></volume>`,
			want: &VolDef{Name: "v1", Type: VolTypeFile, Target: VolTarget{Format: "qcow2", Capacity: 100 << 20, Allocation: 10 << 20}},
		},
		{
			name: "allocation defaults to capacity",
			doc:  `<volume><name>v2</name><capacity>4096</capacity></volume>`,
			want: &VolDef{Name: "v2", Type: VolTypeFile, Target: VolTarget{Capacity: 4096, Allocation: 4096}},
		},
		{
			name: "backing store",
			doc: `<volume><name>v3</name><capacity unit="G">1</capacity>
			      <backingStore><path>/data/p1/base.qcow2</path><format type="qcow2"/></backingStore></volume>`,
			want: &VolDef{Name: "v3", Type: VolTypeFile, Target: VolTarget{Capacity: 1 << 30, Allocation: 1 << 30},
				Backing: &BackingStore{Path: "/data/p1/base.qcow2", Format: "qcow2"}},
		},
		{
			name: "clone without capacity",
			doc:  `<volume><name>v4</name></volume>`,
			opts: VolParseOptions{NoCapacity: true},
			want: &VolDef{Name: "v4", Type: VolTypeFile},
		},
		{name: "missing capacity", doc: `<volume><name>v5</name></volume>`, wantErr: true},
		{name: "missing name", doc: `<volume><capacity>1</capacity></volume>`, wantErr: true},
		{name: "bad unit", doc: `<volume><name>v6</name><capacity unit="parsec">1</capacity></volume>`, wantErr: true},
		{name: "allocation above capacity", doc: `<volume><name>v7</name><capacity>1</capacity><allocation>2</allocation></volume>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVolXML(tt.doc, pool, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVolXML() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseVolXML() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseVolXML_DefaultTypeFollowsPool(t *testing.T) {
	pool := &PoolDef{Name: "hba", Type: PoolTypeSCSI}
	vol, err := ParseVolXML(`<volume><name>unit:0:0:1</name><capacity>1</capacity></volume>`, pool, VolParseOptions{})
	if err != nil {
		t.Fatalf("ParseVolXML() error = %v", err)
	}
	if vol.Type != VolTypeBlock {
		t.Errorf("Type = %q, want block", vol.Type)
	}
}

func TestFormatVolXML(t *testing.T) {
	vol := &VolDef{
		Name: "v1",
		Key:  "/data/p1/v1",
		Type: VolTypeFile,
		Target: VolTarget{
			Path: "/data/p1/v1", Format: "qcow2", Capacity: 1 << 20, Allocation: 4096,
			Perms: Permissions{Mode: "0600"},
		},
		Backing: &BackingStore{Path: "/data/p1/base", Format: "raw"},
	}

	doc, err := FormatVolXML(vol)
	if err != nil {
		t.Fatalf("FormatVolXML() error = %v", err)
	}
	got, err := ParseVolXML(doc, nil, VolParseOptions{})
	if err != nil {
		t.Fatalf("ParseVolXML(formatted) error = %v\n%s", err, doc)
	}
	if diff := cmp.Diff(vol, got); diff != "" {
		t.Errorf("formatted volume does not parse back (-want +got):\n%s", diff)
	}
}

func TestScaleSize(t *testing.T) {
	tests := []struct {
		value   uint64
		unit    string
		want    uint64
		wantErr bool
	}{
		{value: 5, unit: "", want: 5},
		{value: 5, unit: "bytes", want: 5},
		{value: 2, unit: "KB", want: 2000},
		{value: 2, unit: "KiB", want: 2048},
		{value: 3, unit: "M", want: 3 << 20},
		{value: 1, unit: "TiB", want: 1 << 40},
		{value: 1 << 60, unit: "KiB", wantErr: true},
		{value: 1, unit: "furlong", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ScaleSize(tt.value, tt.unit)
		if (err != nil) != tt.wantErr {
			t.Errorf("ScaleSize(%d, %q) error = %v, wantErr %v", tt.value, tt.unit, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ScaleSize(%d, %q) = %d, want %d", tt.value, tt.unit, got, tt.want)
		}
	}
}

func TestSameSource(t *testing.T) {
	dir := func(name, path string) *PoolDef {
		return &PoolDef{Name: name, Type: PoolTypeDir, Target: PoolTarget{Path: path}}
	}
	scsi := func(name string, a *Adapter) *PoolDef {
		return &PoolDef{Name: name, Type: PoolTypeSCSI, Source: Source{Adapter: a}}
	}

	tests := []struct {
		name string
		a, b *PoolDef
		want bool
	}{
		{name: "same dir", a: dir("a", "/data"), b: dir("b", "/data"), want: true},
		{name: "different dir", a: dir("a", "/data"), b: dir("b", "/other")},
		{name: "different types", a: dir("a", "/dev"), b: scsi("b", &Adapter{Type: AdapterSCSIHost, Name: "host0"})},
		{
			name: "scsi host aliases",
			a:    scsi("a", &Adapter{Type: AdapterSCSIHost, Name: "host5"}),
			b:    scsi("b", &Adapter{Type: AdapterSCSIHost, Name: "scsi_host5"}),
			want: true,
		},
		{
			name: "fc wwn case and prefix",
			a:    scsi("a", &Adapter{Type: AdapterFCHost, WWNN: "0x20000000C9831B4B", WWPN: "10000000c9831b4b"}),
			b:    scsi("b", &Adapter{Type: AdapterFCHost, WWNN: "20000000c9831b4b", WWPN: "10000000C9831B4B"}),
			want: true,
		},
		{
			name: "fc different wwpn",
			a:    scsi("a", &Adapter{Type: AdapterFCHost, WWNN: "20000000c9831b4b", WWPN: "10000000c9831b4b"}),
			b:    scsi("b", &Adapter{Type: AdapterFCHost, WWNN: "20000000c9831b4b", WWPN: "10000000c9831b4c"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameSource(tt.a, tt.b); got != tt.want {
				t.Errorf("SameSource() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClone(t *testing.T) {
	def := &PoolDef{Name: "a", Type: PoolTypeSCSI, Source: Source{
		Adapter: &Adapter{Type: AdapterSCSIHost, Name: "host0"},
		Devices: []string{"/dev/sda"},
	}}
	c := def.Clone()
	c.Source.Adapter.Name = "host1"
	c.Source.Devices[0] = "/dev/sdb"
	if def.Source.Adapter.Name != "host0" || def.Source.Devices[0] != "/dev/sda" {
		t.Error("Clone() shares state with the original")
	}

	vol := &VolDef{Name: "v", Backing: &BackingStore{Path: "/a"}}
	vc := vol.Clone()
	vc.Backing.Path = "/b"
	if vol.Backing.Path != "/a" {
		t.Error("VolDef.Clone() shares the backing store")
	}
}
