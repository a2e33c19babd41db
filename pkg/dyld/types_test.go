package dyld

import "testing"

func TestCacheSlideInfo2_SlidePointer(t *testing.T) {
	info := CacheSlideInfo2{
		Version:   2,
		PageSize:  4096,
		DeltaMask: 0x00FFFF0000000000,
		ValueAdd:  0x180000000,
	}
	tests := []struct {
		name string
		ptr  uint64
		want uint64
	}{
		{
			name: "null pointer stays null",
			ptr:  0x0,
			want: 0x0,
		},
		{
			name: "pointer with delta bits",
			ptr:  0x0000010000004000,
			want: 0x180004000,
		},
		{
			name: "pointer without delta bits",
			ptr:  0x0000000000008010,
			want: 0x180008010,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := info.SlidePointer(tt.ptr); got != tt.want {
				t.Errorf("CacheSlideInfo2.SlidePointer() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestCacheSlideInfo3_SlidePointer(t *testing.T) {
	info := CacheSlideInfo3{
		Version:      3,
		PageSize:     4096,
		AuthValueAdd: 0x180000000,
	}
	tests := []struct {
		name string
		ptr  uint64
		want uint64
	}{
		{
			name: "null pointer stays null",
			ptr:  0x0,
			want: 0x0,
		},
		{
			name: "plain pointer keeps 51 bit value",
			ptr:  (1 << 51) | 0x180004000, // offsetToNextPointer=1
			want: 0x180004000,
		},
		{
			name: "authenticated pointer is rebased from cache base",
			ptr:  (1 << 63) | (2 << 49) | 0x4000, // key DA, offset 0x4000
			want: 0x180004000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := info.SlidePointer(tt.ptr); got != tt.want {
				t.Errorf("CacheSlideInfo3.SlidePointer() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestCacheSlideInfo4_SlidePointer(t *testing.T) {
	info := CacheSlideInfo4{
		Version:   4,
		PageSize:  4096,
		DeltaMask: 0x00000000C0000000,
		ValueAdd:  0x1A000000,
	}
	tests := []struct {
		name string
		ptr  uint64
		want uint64
	}{
		{
			name: "small positive non-pointer is kept as-is",
			ptr:  0x4000,
			want: 0x4000,
		},
		{
			name: "small negative non-pointer is sign restored",
			ptr:  0x3FFFC123,
			want: 0xFFFFC123,
		},
		{
			name: "pointer is rebased",
			ptr:  0x40104000, // delta bits are masked off
			want: 0x1A104000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := info.SlidePointer(tt.ptr); got != tt.want {
				t.Errorf("CacheSlideInfo4.SlidePointer() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestCacheSlideInfo5_SlidePointer(t *testing.T) {
	info := CacheSlideInfo5{
		Version:  5,
		PageSize: 4096,
		ValueAdd: 0x180000000,
	}
	tests := []struct {
		name string
		ptr  uint64
		want uint64
	}{
		{
			name: "null pointer stays null",
			ptr:  0x0,
			want: 0x0,
		},
		{
			name: "plain pointer with high8",
			ptr:  (1 << 52) | (0x12 << 34) | 0x4000, // next=1, high8=0x12
			want: 0x1200000180004000,
		},
		{
			name: "authenticated pointer",
			ptr:  (1 << 63) | 0x4000,
			want: 0x180004000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := info.SlidePointer(tt.ptr); got != tt.want {
				t.Errorf("CacheSlideInfo5.SlidePointer() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestCacheSlidePointer3_SignExtend51(t *testing.T) {
	tests := []struct {
		name string
		ptr  CacheSlidePointer3
		want uint64
	}{
		{
			name: "positive value passes through",
			ptr:  0x180004000,
			want: 0x180004000,
		},
		{
			name: "bit 42 sign extends through bit 55",
			ptr:  1 << 42,
			want: 0x00FFFC0000000000,
		},
		{
			name: "top byte moves to bits 56-63",
			ptr:  (0xAB << 43) | 0x4000,
			want: 0xAB00000000004000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ptr.SignExtend51(); got != tt.want {
				t.Errorf("CacheSlidePointer3.SignExtend51() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestCacheSlidePointer3(t *testing.T) {
	auth := CacheSlidePointer3((1 << 63) | (2 << 49) | (1 << 48) | (0xBEEF << 32) | 0x4000)
	if !auth.Authenticated() {
		t.Errorf("CacheSlidePointer3.Authenticated() = false, want true")
	}
	if !auth.HasAddressDiversity() {
		t.Errorf("CacheSlidePointer3.HasAddressDiversity() = false, want true")
	}
	if got := auth.DiversityData(); got != 0xBEEF {
		t.Errorf("CacheSlidePointer3.DiversityData() = %#x, want 0xbeef", got)
	}
	if got := auth.Key(); got != 2 {
		t.Errorf("CacheSlidePointer3.Key() = %d, want 2", got)
	}
	if got := KeyName(auth.Raw()); got != "DA" {
		t.Errorf("KeyName() = %s, want DA", got)
	}
	if got := auth.OffsetFromSharedCacheBase(); got != 0x4000 {
		t.Errorf("CacheSlidePointer3.OffsetFromSharedCacheBase() = %#x, want 0x4000", got)
	}

	plain := CacheSlidePointer3((3 << 51) | 0x180004000)
	if plain.Authenticated() {
		t.Errorf("CacheSlidePointer3.Authenticated() = true, want false")
	}
	if got := plain.OffsetToNextPointer(); got != 3 {
		t.Errorf("CacheSlidePointer3.OffsetToNextPointer() = %d, want 3", got)
	}
	if got := plain.Value(); got != 0x180004000 {
		t.Errorf("CacheSlidePointer3.Value() = %#x, want 0x180004000", got)
	}
}

func TestCacheSlidePointer5(t *testing.T) {
	p := CacheSlidePointer5((1 << 63) | (5 << 52) | (0xAB << 34) | 0x123456)
	if !p.Authenticated() {
		t.Errorf("CacheSlidePointer5.Authenticated() = false, want true")
	}
	if got := p.OffsetToNextPointer(); got != 5 {
		t.Errorf("CacheSlidePointer5.OffsetToNextPointer() = %d, want 5", got)
	}
	if got := p.Value(); got != 0x123456 {
		t.Errorf("CacheSlidePointer5.Value() = %#x, want 0x123456", got)
	}
	if got := p.High8(); got != 0xAB {
		t.Errorf("CacheSlidePointer5.High8() = %#x, want 0xab", got)
	}
}

func TestFormatVersion(t *testing.T) {
	f := formatVersion(0x903)
	if got := f.Version(); got != 3 {
		t.Errorf("formatVersion.Version() = %d, want 3", got)
	}
	if !f.IsDylibsExpectedOnDisk() {
		t.Errorf("formatVersion.IsDylibsExpectedOnDisk() = false, want true")
	}
	if !f.IsBuiltFromChainedFixups() {
		t.Errorf("formatVersion.IsBuiltFromChainedFixups() = false, want true")
	}
	if f.IsSimulator() {
		t.Errorf("formatVersion.IsSimulator() = true, want false")
	}
}

func TestCacheMappingFlag(t *testing.T) {
	tests := []struct {
		name string
		flag CacheMappingFlag
		want string
	}{
		{"auth", mappingAuthData, "AUTH_DATA"},
		{"dirty", mappingDirtyData, "DIRTY_DATA"},
		{"auth const", mappingAuthData | mappingConstData, "AUTH_DATA|CONST_DATA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.flag.String(); got != tt.want {
				t.Errorf("CacheMappingFlag.String() = %q, want %q", got, tt.want)
			}
		})
	}
}
