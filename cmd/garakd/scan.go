package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/garakd/internal/model"
)

const handshakeTimeout = 10 * time.Second

var errNoResult = errors.New("scan channel closed without a result")

type scanFlags struct {
	server      string
	model       string
	probes      []string
	detectors   []string
	description string
	json        bool
}

func newScanCmd() *cobra.Command {
	var flags scanFlags
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "scan submits a scan to a running server and follows its progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			req := model.ScanRequest{
				ModelName:   flags.model,
				Probes:      flags.probes,
				Detectors:   flags.detectors,
				Description: flags.description,
			}
			return runScan(ctx, flags.server, req, cmd.OutOrStdout(), flags.json)
		},
	}
	cmd.Flags().StringVar(&flags.server, "server", "ws://localhost"+model.DefaultListen, "garakd server URL")
	cmd.Flags().StringVar(&flags.model, "model", "", "name of the model to scan")
	cmd.Flags().StringSliceVar(&flags.probes, "probe", nil, "garak probe, can be repeated or comma separated")
	cmd.Flags().StringSliceVar(&flags.detectors, "detector", nil, "garak detector, can be repeated or comma separated")
	cmd.Flags().StringVar(&flags.description, "description", "", "free text stored with the scan")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print raw events as JSON lines")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("probe")
	return cmd
}

// runScan sends req over the scan channel and prints events until the
// terminal one. A failed scan is returned as an error.
func runScan(ctx context.Context, server string, req model.ScanRequest, out io.Writer, asJSON bool) error {
	u, err := scanURL(server)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Handle context cancellation in a separate goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send scan request: %w", err)
	}

	enc := json.NewEncoder(out)
	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errNoResult
			}
			return fmt.Errorf("read message: %w", err)
		}

		if asJSON {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		} else {
			printEvent(out, ev)
		}

		switch ev.Type {
		case model.EventComplete:
			return nil
		case model.EventError:
			return fmt.Errorf("scan failed: %s", ev.Message)
		}
	}
}

func scanURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/scan"
	return u.String(), nil
}

func printEvent(out io.Writer, ev model.Event) {
	switch ev.Type {
	case model.EventAccepted:
		fmt.Fprintf(out, "scan %s accepted\n", ev.ScanID)
	case model.EventStatus:
		fmt.Fprintf(out, "[%3d%%] %s\n", ev.Progress, ev.Message)
	case model.EventComplete:
		fmt.Fprintf(out, "[100%%] report: %s\n", ev.ReportPath)
		if ev.Results == nil || len(ev.Results.Scores) == 0 {
			return
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROBE\tDETECTOR\tPASSED\tTOTAL\tFAILURE RATE")
		for _, s := range ev.Results.Scores {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f%%\n", s.Probe, s.Detector, s.Passed, s.Total, s.FailureRate())
		}
		_ = w.Flush()
	case model.EventError:
		fmt.Fprintf(out, "error: %s\n", ev.Message)
	}
}
