package deployment

// archEquivalence groups architecture spellings that are compatible with
// each other: x86_64/amd64, arm64/aarch64, armv7/armhf/arm, riscv64/riscv.
var archEquivalence = [][]string{
	{"x86_64", "amd64"},
	{"arm64", "aarch64"},
	{"armv7", "armhf", "arm"},
	{"riscv64", "riscv"},
}

var archGroup = func() map[string]int {
	m := make(map[string]int)
	for i, group := range archEquivalence {
		for _, name := range group {
			m[name] = i
		}
	}
	return m
}()

// archCompatible reports whether two architecture spellings name the same
// target under the documented equivalence map. Unknown spellings are only
// compatible with an exact string match.
func archCompatible(a, b string) bool {
	if a == b {
		return true
	}
	groupA, okA := archGroup[a]
	groupB, okB := archGroup[b]
	return okA && okB && groupA == groupB
}
