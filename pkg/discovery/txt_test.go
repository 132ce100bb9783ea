package discovery

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestServiceTXT_Encode(t *testing.T) {
	tests := []struct {
		name string
		txt  ServiceTXT
		want []string
	}{
		{
			name: "minimal",
			txt:  ServiceTXT{},
			want: []string{"txtvers=1"},
		},
		{
			name: "full",
			txt: ServiceTXT{
				ResourceTypes: []string{"temperature", "humidity"},
				Interface:     "core.s",
				Path:          "/sensors",
				BlockSize:     256,
				Observe:       true,
				OSCORE:        true,
			},
			want: []string{
				"txtvers=1",
				"rt=humidity temperature",
				"if=core.s",
				"path=/sensors",
				"sz=256",
				"obs",
				"osc",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.txt.Encode()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Encode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceTXT_Validate(t *testing.T) {
	tests := []struct {
		name    string
		txt     ServiceTXT
		wantErr bool
	}{
		{"empty", ServiceTXT{}, false},
		{"block size", ServiceTXT{BlockSize: 1024}, false},
		{"bad block size", ServiceTXT{BlockSize: 48}, true},
		{"block size too large", ServiceTXT{BlockSize: 2048}, true},
		{"empty resource type", ServiceTXT{ResourceTypes: []string{""}}, true},
		{"resource type with space", ServiceTXT{ResourceTypes: []string{"a b"}}, true},
		{"record too long", ServiceTXT{Path: "/" + strings.Repeat("p", 260)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.txt.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTXTRecord) {
				t.Errorf("Validate() error = %v, want ErrInvalidTXTRecord", err)
			}
		})
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"RT=temp", "obs", "rt=ignored", "=novalue", "path=/a=b"})
	want := map[string]string{"rt": "temp", "obs": "", "path": "/a=b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTXT() = %v, want %v", got, want)
	}
}

func TestParseServiceTXT(t *testing.T) {
	in := ServiceTXT{
		ResourceTypes: []string{"humidity", "temperature"},
		Path:          "/sensors",
		BlockSize:     64,
		OSCORE:        true,
	}
	got, err := ParseServiceTXT(in.Encode())
	if err != nil {
		t.Fatalf("ParseServiceTXT() error = %v", err)
	}
	if !reflect.DeepEqual(*got, in) {
		t.Errorf("ParseServiceTXT() = %+v, want %+v", *got, in)
	}
	if !got.HasResourceType("temperature") || got.HasResourceType("light") {
		t.Error("HasResourceType() mismatch")
	}

	for _, bad := range [][]string{
		{"txtvers=x"},
		{"txtvers=0"},
		{"sz=big"},
		{"sz=-1"},
	} {
		if _, err := ParseServiceTXT(bad); !errors.Is(err, ErrInvalidTXTRecord) {
			t.Errorf("ParseServiceTXT(%v) error = %v, want ErrInvalidTXTRecord", bad, err)
		}
	}
}
