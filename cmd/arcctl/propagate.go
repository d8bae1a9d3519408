package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"arc-sync/internal/auth"
	"arc-sync/internal/engine"
	"arc-sync/internal/metadata"
	"arc-sync/internal/store"
)

type propagateFlags struct {
	file   string
	dryRun bool
	local  bool
	server string
	token  string
}

// eventFile is the JSON body accepted by POST /api/events.
type eventFile struct {
	EventID    string          `json:"eventId,omitempty"`
	SourceType string          `json:"sourceType"`
	SourceID   metadata.Value  `json:"sourceId"`
	Record     metadata.Record `json:"record,omitempty"`
	Old        metadata.Record `json:"old,omitempty"`
	TargetType string          `json:"targetType,omitempty"`
	DryRun     bool            `json:"dryRun,omitempty"`
}

func newPropagateCmd() *cobra.Command {
	var flags propagateFlags

	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Propagate a source record change",
		Long: `Sends the event in the file to a running arc-sync server, or with --local
resolves and writes it directly against the upstream API. Local runs keep
their delivery ledger in memory.

Example event:
  {"sourceType": "orders", "sourceId": "7", "record": {"id": "7", "status": "Open"}}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := readEventFile(flags.file)
			if err != nil {
				return err
			}
			ev.DryRun = flags.dryRun

			var report *engine.Report
			if flags.local {
				report, err = propagateLocal(cmd.Context(), ev)
			} else {
				report, err = propagateRemote(cmd.Context(), flags, ev)
			}
			if err != nil {
				return err
			}

			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "event %s: %d written, %d planned, %d skipped, %d duplicate, %d failed\n",
				report.EventID,
				report.Count(store.StatusWritten),
				report.Count(store.StatusPlanned),
				report.Count(store.StatusSkipped),
				report.Count(store.StatusDuplicate),
				report.Count(store.StatusFailed))
			if report.Count(store.StatusFailed) > 0 {
				return errors.New("some targets failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "JSON event file, - for stdin (required)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Report planned writes without writing")
	cmd.Flags().BoolVar(&flags.local, "local", false, "Run in-process against the upstream API")
	cmd.Flags().StringVar(&flags.server, "server", "http://localhost:8080", "arc-sync server URL")
	cmd.Flags().StringVar(&flags.token, "token", "", "Bearer token (default: minted from jwt_secret)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readEventFile(path string) (*eventFile, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading event: %w", err)
	}

	var ev eventFile
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parsing event: %w", err)
	}
	if ev.SourceType == "" {
		return nil, errors.New("event: sourceType is required")
	}
	if ev.SourceID.Key() == "" && ev.Record.ID() == "" {
		return nil, errors.New("event: sourceId or record.id is required")
	}
	return &ev, nil
}

func propagateLocal(ctx context.Context, ev *eventFile) (*engine.Report, error) {
	var report *engine.Report
	err := withDeps(func(d *deps) error {
		p := engine.NewPropagator(d.client, d.client, engine.Options{
			Workers: d.cfg.Propagation.Workers,
			Ledger:  store.NewMemoryLedger(),
			Logger:  d.logger,
		})

		sourceID := ev.SourceID.Key()
		if sourceID == "" {
			sourceID = ev.Record.ID()
		}
		var err error
		report, err = p.Propagate(ctx, engine.SourceEvent{
			EventID:    ev.EventID,
			SourceType: ev.SourceType,
			SourceID:   sourceID,
			Record:     ev.Record,
			Old:        ev.Old,
			TargetType: ev.TargetType,
		}, ev.DryRun)
		if err != nil {
			return fmt.Errorf("propagating: %w", err)
		}
		return nil
	})
	return report, err
}

func propagateRemote(ctx context.Context, flags propagateFlags, ev *eventFile) (*engine.Report, error) {
	token := flags.token
	if token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		token, err = auth.GenerateAccessToken("arcctl", nil, cfg.JWTSecret, 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("minting token: %w", err)
		}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	url := strings.TrimRight(flags.server, "/") + "/api/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errBody engine.ErrorResponse
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != nil {
			return nil, fmt.Errorf("server: %s: %s", errBody.Error.Code, errBody.Error.Message)
		}
		return nil, fmt.Errorf("server: status %d", resp.StatusCode)
	}

	var out struct {
		Data engine.Report `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &out.Data, nil
}
