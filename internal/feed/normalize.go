package feed

import (
	"encoding/json"
	"fmt"
)

// DisplayName renders "section:method (block: N)".
func DisplayName(section, method string, block uint64) string {
	return fmt.Sprintf("%s:%s (block: %d)", section, method, block)
}

// Normalize converts a raw event into its display form. The block number is
// height+1: events observed at the current best block land in the next one,
// so the number may be off by one.
func Normalize(ev RawEvent, height uint64) (NormalizedEvent, error) {
	return normalizeAt(ev, height+1)
}

func normalizeAt(ev RawEvent, block uint64) (NormalizedEvent, error) {
	params, err := json.Marshal(ev.Data)
	if err != nil {
		return NormalizedEvent{}, fmt.Errorf("%w: %s:%s params: %v", ErrMalformedEvent, ev.Section, ev.Method, err)
	}
	return NormalizedEvent{
		DisplayName: DisplayName(ev.Section, ev.Method, block),
		Params:      string(params),
	}, nil
}
