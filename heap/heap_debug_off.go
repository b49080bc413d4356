//go:build !debug

package heap

// debugValidate walks the full heap after each public operation in debug
// builds. No-op in normal builds.
func debugValidate(h *Heap) {}
