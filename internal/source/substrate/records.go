package substrate

import (
	"encoding/json"
	"fmt"

	"github.com/devblac/chain-feed/internal/feed"
)

type sidecarEvent struct {
	Method struct {
		Pallet string `json:"pallet"`
		Method string `json:"method"`
	} `json:"method"`
	Data json.RawMessage `json:"data"`
}

type sidecarEvents struct {
	Events []sidecarEvent `json:"events"`
}

type sidecarBlock struct {
	OnInitialize sidecarEvents   `json:"onInitialize"`
	Extrinsics   []sidecarEvents `json:"extrinsics"`
	OnFinalize   sidecarEvents   `json:"onFinalize"`
}

// DecodeBlock turns a sidecar /blocks/{n} response into raw events, in the
// order the runtime emitted them: initialization, each extrinsic, finalization.
// The pallet name becomes the event section.
func DecodeBlock(raw json.RawMessage) ([]feed.RawEvent, error) {
	var block sidecarBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decode sidecar block: %w", err)
	}

	groups := make([][]sidecarEvent, 0, len(block.Extrinsics)+2)
	groups = append(groups, block.OnInitialize.Events)
	for _, xt := range block.Extrinsics {
		groups = append(groups, xt.Events)
	}
	groups = append(groups, block.OnFinalize.Events)

	var batch []feed.RawEvent
	for _, events := range groups {
		for _, e := range events {
			if e.Method.Pallet == "" && e.Method.Method == "" {
				continue
			}
			ev := feed.RawEvent{Section: e.Method.Pallet, Method: e.Method.Method}
			if len(e.Data) > 0 {
				ev.Data = e.Data
			}
			batch = append(batch, ev)
		}
	}
	return batch, nil
}
