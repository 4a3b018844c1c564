// Command custodyctl is the operator tool for a custody ledger store: it
// prints histories, reconciles stale materials, replays anchor writes and
// writes exports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"custodyledger/internal/blob"
	"custodyledger/internal/config"
	"custodyledger/internal/core"
	"custodyledger/internal/infra/logger"
	"custodyledger/internal/reconcile"
	"custodyledger/internal/report"
	"custodyledger/pkg/domain"

	"github.com/pterm/pterm"
)

var exitFunc = os.Exit

const usage = `usage: custodyctl [-config path] [-env-file path] <command> [args]

commands:
  history <materialId>            print the custody history
  reconcile [materialId...]       detect gaps and repair stale lastSequence (all materials when none given)
  replay <materialId>             re-submit the committed history to the anchor
  export <materialId> <format>    write a csv, pdf or xlsx export (-o file, default stdout)
`

func main() {
	exitFunc(cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("custodyctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to YAML config (optional)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the environment")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		pterm.Error.WithWriter(stderr).Printfln("load config: %v", err)
		return 1
	}
	c := &commands{cfg: cfg, stdout: stdout, stderr: stderr}
	if err := c.dispatch(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "%s\n\n%s", ue, usage)
			return 2
		}
		pterm.Error.WithWriter(stderr).Println(err.Error())
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

type commands struct {
	cfg    config.Config
	stdout io.Writer
	stderr io.Writer
}

func (c *commands) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "history":
		if len(args) != 1 {
			return usageError("history takes exactly one material id")
		}
		return c.withLedger(ctx, func(l *core.Ledger, _ domain.Anchor) error { return c.history(ctx, l, args[0]) })
	case "reconcile":
		return c.withLedger(ctx, func(l *core.Ledger, _ domain.Anchor) error { return c.reconcile(ctx, l, args) })
	case "replay":
		if len(args) != 1 {
			return usageError("replay takes exactly one material id")
		}
		return c.withLedger(ctx, func(l *core.Ledger, a domain.Anchor) error { return c.replay(ctx, l, a, args[0]) })
	case "export":
		return c.export(ctx, args)
	default:
		return usageError(fmt.Sprintf("unknown command %q", name))
	}
}

func (c *commands) withLedger(ctx context.Context, fn func(*core.Ledger, domain.Anchor) error) (err error) {
	store, err := core.OpenLedgerStore(ctx, c.cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close ledger store: %w", cerr)
		}
	}()
	anchor, err := core.OpenAnchor(c.cfg.AnchorConfig())
	if err != nil {
		return fmt.Errorf("open anchor: %w", err)
	}
	log := logger.NewWithWriter(c.stderr, c.cfg.App.Env)
	return fn(core.NewLedger(store, anchor, core.WithLogger(log), core.WithAnchorTimeout(c.cfg.Anchor.Timeout)), anchor)
}

func (c *commands) history(ctx context.Context, l *core.Ledger, id string) error {
	m, err := l.GetMaterial(ctx, id)
	if err != nil {
		return err
	}
	transfers, err := l.ListTransfers(ctx, id)
	if err != nil {
		return err
	}
	pterm.Info.WithWriter(c.stdout).Printfln("%s held by %s, %s, last sequence %d", m.MaterialID, m.CurrentHolder, m.Status, m.LastSequence)
	if len(transfers) == 0 {
		pterm.Warning.WithWriter(c.stdout).Println("no transfers recorded")
		return nil
	}
	data := pterm.TableData{{"Seq", "From", "To", "Status", "Time", "Notes"}}
	for _, t := range transfers {
		data = append(data, []string{
			strconv.FormatInt(t.Sequence, 10),
			t.From.Name,
			t.To.Name,
			string(t.Status),
			time.Unix(t.Timestamp, 0).UTC().Format(time.RFC3339),
			t.Notes,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(c.stdout).WithData(data).Render()
}

func (c *commands) reconcile(ctx context.Context, l *core.Ledger, ids []string) error {
	var reports []core.ReconcileReport
	if len(ids) == 0 {
		all, err := l.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		reports = all
	}
	for _, id := range ids {
		rep, err := l.Reconcile(ctx, id)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	}
	data := pterm.TableData{{"Material", "Transfers", "Last", "Reserved", "Gaps", "Unused", "Repaired"}}
	inconsistent := 0
	for _, r := range reports {
		if !r.Consistent() {
			inconsistent++
		}
		data = append(data, []string{
			r.MaterialID,
			strconv.Itoa(r.TransferCount),
			strconv.FormatInt(r.LastSequence, 10),
			strconv.FormatInt(r.ReservedSequence, 10),
			fmt.Sprint(r.Gaps),
			strconv.FormatInt(r.Unused, 10),
			strconv.FormatBool(r.Repaired),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(c.stdout).WithData(data).Render(); err != nil {
		return err
	}
	if inconsistent == 0 {
		pterm.Success.WithWriter(c.stdout).Printfln("%d materials consistent", len(reports))
		return nil
	}
	pterm.Warning.WithWriter(c.stdout).Printfln("%d of %d materials needed attention", inconsistent, len(reports))
	return nil
}

func (c *commands) replay(ctx context.Context, l *core.Ledger, anchor domain.Anchor, id string) error {
	log := logger.NewWithWriter(c.stderr, c.cfg.App.Env)
	rep, err := reconcile.NewReplayer(l, anchor, log, c.cfg.Anchor.Timeout).Replay(ctx, id)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Seq", "Outcome", "Signature", "Detail"}}
	for _, s := range rep.Steps {
		data = append(data, []string{strconv.FormatInt(s.Sequence, 10), s.Outcome, s.Signature, s.Detail})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(c.stdout).WithData(data).Render(); err != nil {
		return err
	}
	if rep.Halted {
		return fmt.Errorf("replay of %s halted after %d applied instructions", id, rep.Applied)
	}
	pterm.Success.WithWriter(c.stdout).Printfln("%s: %d applied, %d already on the anchor", id, rep.Applied, rep.Rejected)
	return nil
}

func (c *commands) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	out := fs.String("o", "", "output file (default stdout)")
	archive := fs.Bool("archive", false, "archive the artifact in the configured blob store")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() != 2 {
		return usageError("export takes a material id and a format")
	}
	format, err := report.ParseFormat(fs.Arg(1))
	if err != nil {
		return usageError(err.Error())
	}
	return c.withLedger(ctx, func(l *core.Ledger, _ domain.Anchor) error {
		var exporter *report.Exporter
		if *archive {
			blobs, err := blob.Open(ctx, c.cfg.BlobConfig())
			if err != nil {
				return err
			}
			exporter = report.NewExporter(l, blobs, report.WithLogger(logger.NewWithWriter(c.stderr, c.cfg.App.Env)))
		} else {
			exporter = report.NewExporter(l, nil)
		}
		art, err := exporter.Export(ctx, fs.Arg(0), format)
		if err != nil {
			return err
		}
		if *out == "" {
			_, err = c.stdout.Write(art.Body)
			return err
		}
		if err := os.WriteFile(*out, art.Body, 0o644); err != nil {
			return err
		}
		pterm.Success.WithWriter(c.stderr).Printfln("wrote %s (%d bytes, sequence %d)", *out, len(art.Body), art.Sequence)
		return nil
	})
}
