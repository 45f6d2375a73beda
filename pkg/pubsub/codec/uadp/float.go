package uadp

import "math"

func floatBits32(v float32) uint32   { return math.Float32bits(v) }
func floatFromBits32(v uint32) float32 { return math.Float32frombits(v) }

func floatBits64(v float64) uint64   { return math.Float64bits(v) }
func floatFromBits64(v uint64) float64 { return math.Float64frombits(v) }
