package orchestrator

// pairedPort implements the NEARBY_PORT heuristic: two ports whose ids
// differ only in the low bit form a pair. If the XOR'd port was never
// probed, rx falls back to looping to itself. This is a policy the
// orchestrator owns, not a property of the port or lcore data model.
func pairedPort(rx uint16, valid func(uint16) bool) uint16 {
	candidate := rx ^ 1
	if valid(candidate) {
		return candidate
	}
	return rx
}
