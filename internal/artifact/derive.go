package artifact

import "sort"

// RefreshDerived recomputes the views derived from the state history:
//
//   - CurrentState: for every distinct non-empty state value observed, the
//     most recent State per thread. A thread's winner is the entry with the
//     maximum timestamp among all entries sharing its thread id; the winner
//     is bucketed under its own state value, so a state that has been
//     superseded in every thread keeps an empty bucket.
//   - CurrentStateLengths: bucket sizes of CurrentState, one key per
//     observed state.
//   - ResultsDBTestCase: distinct non-empty test case names across all
//     states, in first-seen order.
//
// Called after every state append; idempotent.
func (m *Model) RefreshDerived() {
	current := make(map[string][]State)

	// Every observed state value gets a bucket, even if it ends up empty.
	for i := range m.States {
		if s := m.States[i].KaiState.State; s != "" {
			if _, ok := current[s]; !ok {
				current[s] = []State{}
			}
		}
	}

	// Most recent entry per thread wins.
	latest := make(map[string]State)

	for i := range m.States {
		ks := m.States[i].KaiState
		if ks.ThreadID == "" || ks.State == "" {
			continue
		}

		prev, seen := latest[ks.ThreadID]
		if !seen || ks.Timestamp >= prev.KaiState.Timestamp {
			latest[ks.ThreadID] = m.States[i]
		}
	}

	threads := make([]string, 0, len(latest))
	for threadID := range latest {
		threads = append(threads, threadID)
	}

	// Deterministic bucket order regardless of map iteration.
	sort.Strings(threads)

	for _, threadID := range threads {
		winner := latest[threadID]
		state := winner.KaiState.State
		current[state] = append(current[state], winner)
	}

	lengths := make(map[string]int, len(current))
	for state, entries := range current {
		lengths[state] = len(entries)
	}

	m.CurrentState = current
	m.CurrentStateLengths = lengths
	m.ResultsDBTestCase = m.distinctTestCases()
}

func (m *Model) distinctTestCases() []string {
	seen := make(map[string]struct{})

	var cases []string

	for i := range m.States {
		name := m.States[i].KaiState.TestCaseName
		if name == "" {
			continue
		}

		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}

		cases = append(cases, name)
	}

	return cases
}
