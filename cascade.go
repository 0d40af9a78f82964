package sagatask

// NextCompensationTarget scans steps backwards from fromIndex-1 and returns
// the index of the first step that defines a compensation. ok is false when
// no earlier step has one, including when fromIndex is 0.
//
// This is the only place that decides which compensations run, and in
// which order: steps without a compensation are skipped.
func NextCompensationTarget(steps []*Step, fromIndex int) (index int, ok bool) {
	if fromIndex > len(steps) {
		fromIndex = len(steps)
	}
	for j := fromIndex - 1; j >= 0; j-- {
		if steps[j].HasCancel() {
			return j, true
		}
	}
	return 0, false
}
