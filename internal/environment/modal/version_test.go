package modal

import (
	"errors"
	"strings"
	"testing"
)

type stubConfig struct {
	out string
	err error
}

func (s stubConfig) ReadConfig() ([]byte, error) { return []byte(s.out), s.err }

func TestCheckImageBuilderVersion(t *testing.T) {
	tests := []struct {
		name    string
		reader  stubConfig
		wantErr string
	}{
		{"minimum", stubConfig{out: `{"image_builder_version": "` + MinImageBuilderVersion + `"}`}, ""},
		{"newer", stubConfig{out: `{"image_builder_version": "2099.01"}`}, ""},
		{"null", stubConfig{out: `{"image_builder_version": null}`}, "is not set"},
		{"empty", stubConfig{out: `{"image_builder_version": ""}`}, "is not set"},
		{"absent", stubConfig{out: `{}`}, "is not set"},
		{"old", stubConfig{out: `{"image_builder_version": "2023.12"}`}, "too old"},
		{"no cli", stubConfig{err: errors.New("modal CLI not found")}, "failed to get modal config"},
		{"garbage", stubConfig{out: "profile = default"}, "failed to parse modal config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkImageBuilderVersionWith(tt.reader)
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("error = %v, want one containing %q", err, tt.wantErr)
			}
		})
	}
}
