package evm

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABIs parses every *.json ABI file found under dirs, keyed by path.
func LoadABIs(dirs []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".json") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read abi %s: %w", path, err)
			}
			a, err := abi.JSON(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parse abi %s: %w", path, err)
			}
			abis[path] = &a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

// FindEvent looks the event up by name, checking ABI files in path order so
// the result does not depend on map iteration.
func FindEvent(abis map[string]*abi.ABI, eventName string) (*abi.Event, bool) {
	paths := make([]string, 0, len(abis))
	for p := range abis {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if ev, ok := abis[p].Events[eventName]; ok {
			return &ev, true
		}
	}
	return nil, false
}
