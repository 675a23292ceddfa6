package ml

import (
	"fmt"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "other"
	}
}

// Size is the number of bytes used to store one element on the device.
func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

// Round returns f as it would read back after being stored with this dtype.
func (d DType) Round(f float32) float32 {
	switch d {
	case DTypeF16:
		return float16.Fromfloat32(f).Float32()
	case DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(f))
	default:
		return f
	}
}

func (d DType) round(s []float32) {
	if d != DTypeF16 && d != DTypeBF16 {
		return
	}

	for i := range s {
		s[i] = d.Round(s[i])
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "f32", "fp32", "float32", "auto":
		return DTypeF32, nil
	case "f16", "fp16", "float16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return DTypeOther, fmt.Errorf("unsupported dtype %q", s)
	}
}
