// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kadirpekel/flowline/pkg/client"
	"github.com/kadirpekel/flowline/pkg/run"
)

func (cli *CLI) client() (*client.Client, error) {
	var opts []client.Option
	if cli.Token != "" {
		opts = append(opts, client.WithToken(cli.Token))
	}
	return client.New(cli.Server, opts...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseObject decodes a JSON object given inline or as @path.
func parseObject(arg string) (map[string]any, error) {
	if arg == "" {
		return map[string]any{}, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return out, nil
}

// recordPrinter writes records as text lines, or as JSON lines.
type recordPrinter struct {
	w    io.Writer
	json bool
	// inText is set while text chunks are being written inline.
	inText bool
}

func (p *recordPrinter) print(rec run.Record) error {
	if p.json {
		return json.NewEncoder(p.w).Encode(rec)
	}
	if rec.Kind == run.KindChunk {
		p.inText = true
		_, err := io.WriteString(p.w, rec.Text)
		return err
	}
	if p.inText {
		fmt.Fprintln(p.w)
		p.inText = false
	}

	prefix := fmt.Sprintf("%4d ", rec.Seq)
	if rec.Origin == run.OriginRelay && rec.Source != "" {
		prefix += "[" + rec.Source + "] "
	}
	switch rec.Kind {
	case run.KindRun:
		fmt.Fprintf(p.w, "%srun %s %s\n", prefix, rec.Workflow, rec.Status)
		if rec.Error != "" {
			fmt.Fprintf(p.w, "     error: %s\n", rec.Error)
		}
		if rec.SuspendPayload != nil {
			fmt.Fprintf(p.w, "     suspended at %s: %s\n", rec.Path, compact(rec.SuspendPayload))
		}
		if rec.Output != nil {
			fmt.Fprintf(p.w, "     output: %s\n", compact(rec.Output))
		}
	case run.KindStep:
		name := rec.Path
		if name == "" {
			name = rec.StepID
		}
		fmt.Fprintf(p.w, "%sstep %s %s\n", prefix, name, rec.Status)
		if rec.Error != "" {
			fmt.Fprintf(p.w, "     error: %s\n", rec.Error)
		}
	case run.KindEvent:
		if pr, ok := rec.Progress(); ok {
			fmt.Fprintf(p.w, "%s  %s [%s] %s\n", prefix, pr.Stage, pr.Status, pr.Message)
			break
		}
		if rec.Event != nil {
			fmt.Fprintf(p.w, "%sevent %s %s\n", prefix, rec.Event.Type, compact(rec.Event.Data))
		}
	case run.KindNetwork:
		if n := rec.Network; n != nil {
			fmt.Fprintf(p.w, "%sdelegate #%d %s %s", prefix, n.Index, n.DelegateName, n.Status)
			if n.Reason != "" {
				fmt.Fprintf(p.w, " (%s)", n.Reason)
			}
			fmt.Fprintln(p.w)
		}
	}
	return nil
}

func (p *recordPrinter) follow(s *client.Stream) ([]run.Record, error) {
	defer s.Close()
	var records []run.Record
	for {
		rec, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
		if err := p.print(rec); err != nil {
			return records, err
		}
	}
	if p.inText {
		fmt.Fprintln(p.w)
		p.inText = false
	}
	return records, nil
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finish turns the last status of a followed segment into the exit status.
func finish(records []run.Record) error {
	if len(records) == 0 {
		return errors.New("stream ended without records")
	}
	last := records[len(records)-1]
	if run.Status(last.Status) == run.StatusFailed {
		return fmt.Errorf("run %s failed: %s", last.RunID, last.Error)
	}
	return nil
}

// RunCmd starts a workflow.
type RunCmd struct {
	Workflow string `arg:"" help:"Workflow ID."`
	Input    string `short:"i" help:"Input data as JSON, or @file."`
	Wait     bool   `help:"Wait for the run to stop and print its snapshot instead of streaming."`
	JSON     bool   `name:"json" help:"Print records as JSON lines."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, stop := signalContext()
	defer stop()

	input, err := parseObject(c.Input)
	if err != nil {
		return fmt.Errorf("--input: %w", err)
	}
	cl, err := cli.client()
	if err != nil {
		return err
	}

	if c.Wait {
		snap, err := cl.Run(ctx, c.Workflow, input)
		if err != nil {
			return err
		}
		return printJSON(snap)
	}

	s, err := cl.Start(ctx, c.Workflow, input)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "run %s\n", s.RunID)
	records, err := (&recordPrinter{w: os.Stdout, json: c.JSON}).follow(s)
	if err != nil {
		return err
	}
	return finish(records)
}

// ResumeCmd resumes a suspended run.
type ResumeCmd struct {
	Workflow string `arg:"" help:"Workflow ID."`
	RunID    string `arg:"" name:"run-id" help:"Suspended run ID."`
	Step     string `help:"Suspended step path. Optional when one step is suspended."`
	Data     string `short:"d" help:"Resume data as JSON, or @file."`
	Wait     bool   `help:"Wait for the run to stop and print its snapshot instead of streaming."`
	JSON     bool   `name:"json" help:"Print records as JSON lines."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	ctx, stop := signalContext()
	defer stop()

	data, err := parseObject(c.Data)
	if err != nil {
		return fmt.Errorf("--data: %w", err)
	}
	cl, err := cli.client()
	if err != nil {
		return err
	}

	if c.Wait {
		snap, err := cl.ResumeWait(ctx, c.Workflow, c.RunID, c.Step, data)
		if err != nil {
			return err
		}
		return printJSON(snap)
	}

	s, err := cl.Resume(ctx, c.Workflow, c.RunID, c.Step, data)
	if err != nil {
		return err
	}
	records, err := (&recordPrinter{w: os.Stdout, json: c.JSON}).follow(s)
	if err != nil {
		return err
	}
	return finish(records)
}

// NetworkCmd runs an agent network.
type NetworkCmd struct {
	Name    string `arg:"" help:"Network name."`
	Message string `arg:"" help:"Task for the network."`
	Input   string `short:"i" help:"Extra input as JSON, or @file."`
	JSON    bool   `name:"json" help:"Print records as JSON lines."`
}

func (c *NetworkCmd) Run(cli *CLI) error {
	ctx, stop := signalContext()
	defer stop()

	input, err := parseObject(c.Input)
	if err != nil {
		return fmt.Errorf("--input: %w", err)
	}
	cl, err := cli.client()
	if err != nil {
		return err
	}
	s, err := cl.StartNetwork(ctx, c.Name, c.Message, input)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "run %s\n", s.RunID)
	records, err := (&recordPrinter{w: os.Stdout, json: c.JSON}).follow(s)
	if err != nil {
		return err
	}
	return finish(records)
}

// WatchCmd follows a stored run, replaying persisted records first.
type WatchCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run ID."`
	After int64  `help:"Skip records up to this sequence number."`
	JSON  bool   `name:"json" help:"Print records as JSON lines."`
}

func (c *WatchCmd) Run(cli *CLI) error {
	ctx, stop := signalContext()
	defer stop()

	cl, err := cli.client()
	if err != nil {
		return err
	}
	s, err := cl.Watch(ctx, c.RunID, c.After)
	if err != nil {
		return err
	}
	_, err = (&recordPrinter{w: os.Stdout, json: c.JSON}).follow(s)
	return err
}

// RunsCmd groups run inspection commands.
type RunsCmd struct {
	List   RunsListCmd   `cmd:"" default:"withargs" help:"List stored runs."`
	Show   RunsShowCmd   `cmd:"" help:"Show a run snapshot."`
	Delete RunsDeleteCmd `cmd:"" help:"Delete a stopped run."`
}

type RunsListCmd struct {
	Workflow string `short:"w" help:"Only runs of this workflow."`
	Status   string `help:"Only runs in this status (running, suspended, success, failed, rejected)."`
	Limit    int    `short:"n" help:"Maximum number of runs." default:"20"`
	JSON     bool   `name:"json" help:"Print JSON."`
}

func (c *RunsListCmd) Run(cli *CLI) error {
	cl, err := cli.client()
	if err != nil {
		return err
	}
	runs, err := cl.List(context.Background(), client.ListOptions{
		WorkflowID: c.Workflow,
		Status:     run.Status(c.Status),
		Limit:      c.Limit,
	})
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(runs)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tKIND\tSTATUS\tUPDATED")
	for _, snap := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", snap.RunID, snap.WorkflowID, snap.Kind, snap.Status,
			snap.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

type RunsShowCmd struct {
	RunID   string `arg:"" name:"run-id" help:"Run ID."`
	Records bool   `short:"r" help:"Print the persisted records instead of the snapshot."`
}

func (c *RunsShowCmd) Run(cli *CLI) error {
	cl, err := cli.client()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if c.Records {
		records, err := cl.Records(ctx, c.RunID, 0)
		if err != nil {
			return err
		}
		p := &recordPrinter{w: os.Stdout}
		for _, rec := range records {
			if err := p.print(rec); err != nil {
				return err
			}
		}
		if p.inText {
			fmt.Println()
		}
		return nil
	}
	snap, err := cl.Get(ctx, c.RunID)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

type RunsDeleteCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run ID."`
}

func (c *RunsDeleteCmd) Run(cli *CLI) error {
	cl, err := cli.client()
	if err != nil {
		return err
	}
	if err := cl.Delete(context.Background(), c.RunID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", c.RunID)
	return nil
}

// WorkflowsCmd lists workflows, or describes one.
type WorkflowsCmd struct {
	ID   string `arg:"" optional:"" help:"Describe this workflow."`
	JSON bool   `name:"json" help:"Print JSON."`
}

func (c *WorkflowsCmd) Run(cli *CLI) error {
	cl, err := cli.client()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if c.ID != "" {
		wf, err := cl.Workflow(ctx, c.ID)
		if err != nil {
			return err
		}
		return printJSON(wf)
	}

	wfs, err := cl.Workflows(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(wfs)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tSTEPS\tDESCRIPTION")
	for _, wf := range wfs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", wf.ID, len(wf.Steps), wf.Description)
	}
	return tw.Flush()
}

// NetworksCmd lists networks.
type NetworksCmd struct {
	JSON bool `name:"json" help:"Print JSON."`
}

func (c *NetworksCmd) Run(cli *CLI) error {
	cl, err := cli.client()
	if err != nil {
		return err
	}
	nets, err := cl.Networks(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(nets)
	}
	for _, n := range nets {
		fmt.Printf("%s: %s\n", n.Name, n.Description)
		for _, d := range n.Delegates {
			fmt.Printf("  - %s (%s): %s\n", d.Name, d.Kind, d.Description)
		}
	}
	return nil
}
