package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/nevil-robotics/nevil-core/pkg/cli"
	"github.com/nevil-robotics/nevil-core/pkg/launch"
)

var (
	statusAddr   string
	statusQuery  string
	statusOutput string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance over its monitor endpoint",
	RunE:  statusMain,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", launch.DefaultMonitorAddr, "monitor endpoint address")
	statusCmd.Flags().StringVarP(&statusQuery, "query", "q", "", "jq expression applied to the snapshot JSON")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "", "output format: table (default), yaml, json, raw")
	rootCmd.AddCommand(statusCmd)
}

func statusMain(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + statusAddr + "/status")
	if err != nil {
		return fmt.Errorf("monitor endpoint unreachable at %s: %w", statusAddr, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	// A jq query filters the raw snapshot before any rendering.
	if statusQuery != "" {
		return runQuery(raw)
	}

	// The bare table is the default; anything else goes through Printer.
	if statusOutput == "" || statusOutput == "table" {
		var snap launch.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return err
		}
		fmt.Print(cli.RenderStatus(snap, cli.NewStyles(cli.DefaultTheme)))
		return nil
	}

	format, err := cli.ParseFormat(statusOutput)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return cli.Printer{Format: format}.Print(doc)
}

func runQuery(raw json.RawMessage) error {
	query, err := gojq.Parse(statusQuery)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	iter := query.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := v.(error); isErr {
			return err
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
}
