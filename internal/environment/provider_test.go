package environment

import "testing"

func TestParseMount(t *testing.T) {
	tests := []struct {
		spec    string
		want    Mount
		wantErr bool
	}{
		{spec: "/opt/isca", want: Mount{HostPath: "/opt/isca", Path: "/opt/isca"}},
		{spec: "/opt/isca:/isca", want: Mount{HostPath: "/opt/isca", Path: "/isca"}},
		{spec: "/opt/isca:/isca:ro", want: Mount{HostPath: "/opt/isca", Path: "/isca", ReadOnly: true}},
		{spec: "/opt/isca:/isca:rw", want: Mount{HostPath: "/opt/isca", Path: "/isca"}},
		{spec: "/opt/isca:/isca:z", wantErr: true},
		{spec: "/opt/isca:isca", wantErr: true},
		{spec: ":/isca", wantErr: true},
		{spec: "a:b:c:d", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseMount(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMount(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseMount(%q) = %+v, want %+v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestMountString(t *testing.T) {
	m := Mount{HostPath: "/data", Path: "/data", ReadOnly: true}
	if got := m.String(); got != "/data:/data:ro" {
		t.Errorf("String() = %q", got)
	}
}
