package event

// Squash coalesces runs of high-frequency events before transmission:
// - N consecutive scroll on the same target → keep last
// - N consecutive input on the same target → keep last
// - N consecutive mousemove → keep last
// Structural events (snapshot, mutation, navigation) are never squashed.
func Squash(events []Event) []Event {
	if len(events) <= 1 {
		return events
	}

	result := make([]Event, 0, len(events))

	for i := 0; i < len(events); i++ {
		ev := events[i]

		switch ev.Kind {
		case KindScroll, KindInput:
			j := i + 1
			for j < len(events) &&
				events[j].Kind == ev.Kind &&
				events[j].Target == ev.Target {
				ev = events[j]
				j++
			}
			result = append(result, ev)
			i = j - 1

		case KindMouseMove:
			j := i + 1
			for j < len(events) && events[j].Kind == KindMouseMove {
				ev = events[j]
				j++
			}
			result = append(result, ev)
			i = j - 1

		default:
			result = append(result, ev)
		}
	}

	return result
}
