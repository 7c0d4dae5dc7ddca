package bc

// Limits bounds the sizes of wire-level values. The defaults mirror
// the system configuration; tests override individual fields.
type Limits struct {
	MaxObjectBytes uint32
	MaxTargets     uint32
	MaxParams      uint32
	MaxFunction    uint32
	MaxInstrs      uint32
	MaxEffects     uint32
}

// DefaultLimits returns the stock bounds: 10 MiB objects, 32 targets,
// 64 KiB params, 64-byte function names.
func DefaultLimits() Limits {
	return Limits{
		MaxObjectBytes: 10 << 20,
		MaxTargets:     32,
		MaxParams:      64 << 10,
		MaxFunction:    64,
		MaxInstrs:      256,
		MaxEffects:     1024,
	}
}
