package evm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/devblac/chain-feed/internal/config"
	"github.com/devblac/chain-feed/internal/feed"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventMatcher recognizes and decodes one event signature of one contract.
type EventMatcher struct {
	section string
	name    string
	address common.Address
	topic0  common.Hash
	event   *abi.Event
}

// NewMatchers builds one matcher per event signature of the contract, using
// loaded ABIs when they define the event and the bare signature otherwise.
func NewMatchers(c config.Contract, abis map[string]*abi.ABI) ([]*EventMatcher, error) {
	if c.Address == "" || len(c.Events) == 0 {
		return nil, fmt.Errorf("contract %q: address and events are required", c.Name)
	}
	if !common.IsHexAddress(c.Address) {
		return nil, fmt.Errorf("contract %q: invalid address %s", c.Name, c.Address)
	}
	address := common.HexToAddress(c.Address)
	section := c.Name
	if section == "" {
		section = shortAddr(address.Hex())
	}

	out := make([]*EventMatcher, 0, len(c.Events))
	for _, sig := range c.Events {
		evName := eventName(sig)
		var ev *abi.Event
		if found, ok := FindEvent(abis, evName); ok {
			ev = found
		} else if synthetic, err := syntheticEvent(sig); err == nil {
			ev = synthetic
		}
		out = append(out, &EventMatcher{
			section: section,
			name:    evName,
			address: address,
			topic0:  crypto.Keccak256Hash([]byte(sig)),
			event:   ev,
		})
	}
	return out, nil
}

// Match checks the log against the matcher; returns a raw feed event on success.
// Logs that cannot be decoded are still reported, carrying their raw topics and data.
func (m *EventMatcher) Match(log types.Log) (*feed.RawEvent, bool) {
	if log.Address != m.address {
		return nil, false
	}
	if len(log.Topics) == 0 || log.Topics[0] != m.topic0 {
		return nil, false
	}

	ev := &feed.RawEvent{Section: m.section, Method: m.name}
	args, err := m.decode(log)
	if err != nil {
		ev.Data = rawLog(log)
		return ev, true
	}
	ev.Data = args
	return ev, true
}

func (m *EventMatcher) decode(log types.Log) (map[string]any, error) {
	args := map[string]any{}
	if m.event == nil {
		return nil, fmt.Errorf("no abi for %s", m.name)
	}
	indexed, nonIndexed := splitIndexed(m.event.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
		return nil, fmt.Errorf("unpack data: %w", err)
	}
	return args, nil
}

func rawLog(log types.Log) map[string]any {
	topics := make([]string, 0, len(log.Topics))
	for _, t := range log.Topics {
		topics = append(topics, t.Hex())
	}
	return map[string]any{
		"topics": topics,
		"data":   "0x" + hex.EncodeToString(log.Data),
	}
}

func eventName(signature string) string {
	if i := strings.Index(signature, "("); i > 0 {
		return signature[:i]
	}
	return signature
}

// syntheticEvent builds a minimal ABI Event from a signature like Transfer(address,address,uint256).
// Indexed fields are not inferred; all arguments are treated as non-indexed and named arg0..argN.
func syntheticEvent(signature string) (*abi.Event, error) {
	l := strings.Index(signature, "(")
	r := strings.LastIndex(signature, ")")
	if l <= 0 || r <= l {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	name := signature[:l]
	rawArgs := strings.Split(signature[l+1:r], ",")
	args := make(abi.Arguments, 0, len(rawArgs))
	for _, a := range rawArgs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		t, err := abi.NewType(a, "", nil)
		if err != nil {
			return nil, fmt.Errorf("parse type %s: %w", a, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", len(args)), Type: t})
	}
	return &abi.Event{
		Name:      name,
		Inputs:    args,
		Anonymous: false,
	}, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

func shortAddr(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
