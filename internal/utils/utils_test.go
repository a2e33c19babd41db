package utils

import "testing"

func TestStrSliceContains(t *testing.T) {
	type args struct {
		slice []string
		item  string
	}
	tests := []struct {
		name string
		args args
		want bool
	}{
		{
			name: "exact match",
			args: args{
				slice: []string{"dyld_v1  arm64e", "dyld_v1   x86_64"},
				item:  "dyld_v1  arm64e",
			},
			want: true,
		},
		{
			name: "substring match",
			args: args{
				slice: []string{"arm64"},
				item:  "dyld_v1  arm64e",
			},
			want: true,
		},
		{
			name: "case insensitive",
			args: args{
				slice: []string{"ARM64E"},
				item:  "dyld_v1  arm64e",
			},
			want: true,
		},
		{
			name: "no match",
			args: args{
				slice: []string{"x86_64"},
				item:  "dyld_v1  arm64e",
			},
			want: false,
		},
		{
			name: "empty slice",
			args: args{
				slice: nil,
				item:  "dyld_v1  arm64e",
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StrSliceContains(tt.args.slice, tt.args.item); got != tt.want {
				t.Errorf("StrSliceContains() = %v, want %v", got, tt.want)
			}
		})
	}
}
