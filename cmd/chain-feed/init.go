package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1
global:
  db_path: ./chain-feed.db
  max_visible: 250
  exclude: ["system:ExtrinsicSuccess"]
  confirmations:
    evm: 2
    algorand: 0

sources:
  - id: local
    type: substrate
    ws_url: ws://127.0.0.1:9944
    heads: new              # new | finalized
    # Substrate API Sidecar (github.com/paritytech/substrate-api-sidecar)
    # decodes each block's events; run it with SAS_EXPRESS_PORT=8081 so it
    # does not clash with the feed API on :8080.
    sidecar_url: http://127.0.0.1:8081
    sinks: [console]

  # - id: eth
  #   type: evm
  #   rpc_url: https://eth.example.org
  #   start_block: latest-10
  #   poll_interval: 2s
  #   contracts:
  #     - name: usdc
  #       address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  #       events: ["Transfer(address,address,uint256)"]
  #   sinks: [console]

  # - id: algo
  #   type: algorand
  #   algod_url: https://algod.example.org
  #   start_round: latest
  #   apps: [{name: amm, app_id: 123}]
  #   asset_transfers: true
  #   sinks: [console]

sinks:
  - id: console
    type: log
  # - id: ops
  #   type: slack
  #   webhook_url: https://hooks.slack.com/services/XXX
  #   template: "{{.Icon}} {{.Summary}}"
  #   rate_per_sec: 1
  #   burst: 5
  # - id: broker
  #   type: mqtt
  #   broker: tcp://localhost:1883
  #   topic: chain-feed/entries
`

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := writeSampleConfig(cfgPath, flagForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "init: wrote %s\n", cfgPath)
		return nil
	},
}

func writeSampleConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("init: %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("init: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("init: write %s: %w", path, err)
	}
	return nil
}
