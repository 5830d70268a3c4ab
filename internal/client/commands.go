package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewiresh/jupyterwire/internal/connection"
	"github.com/codewiresh/jupyterwire/internal/protocol"
	"github.com/codewiresh/jupyterwire/internal/session"
	"github.com/codewiresh/jupyterwire/internal/terminal"
)

// Output formats accepted by the listing commands.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// printStructured writes v as JSON or YAML. It reports false for the table
// format so the caller prints its own view.
func printStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, err
		}
		fmt.Fprintln(w, string(data))
		return true, nil
	case FormatYAML:
		// Round-trip through JSON so keys match the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(doc)
	case FormatTable, "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// ---------------------------------------------------------------------------
// List / Specs / Status
// ---------------------------------------------------------------------------

// List retrieves all sessions from the node and prints them.
func List(target *Target, format string) error {
	resp, err := call(target, &protocol.Request{Type: protocol.ReqListSessions}, protocol.RespSessionList)
	if err != nil {
		return err
	}
	var sessions []protocol.SessionInfo
	if resp.Sessions != nil {
		sessions = *resp.Sessions
	}
	if done, err := printStructured(os.Stdout, format, sessions); done {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No active sessions")
		return nil
	}
	printSessionTable(os.Stdout, sessions)
	return nil
}

// Specs lists the kernel specs installed on the node.
func Specs(target *Target, format string) error {
	resp, err := call(target, &protocol.Request{Type: protocol.ReqListSpecs}, protocol.RespSpecList)
	if err != nil {
		return err
	}
	var specs []protocol.SpecInfo
	if resp.Specs != nil {
		specs = *resp.Specs
	}
	if done, err := printStructured(os.Stdout, format, specs); done {
		return err
	}
	if len(specs) == 0 {
		fmt.Println("No kernel specs installed")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tLANGUAGE\tLOCATION")
	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.DisplayName, s.Language, s.ResourceDir)
	}
	return tw.Flush()
}

// GetStatus retrieves detailed status information for a single session.
func GetStatus(target *Target, id uint32, format string) error {
	resp, err := call(target, &protocol.Request{Type: protocol.ReqGetStatus, ID: &id}, protocol.RespSessionStatus)
	if err != nil {
		return err
	}
	info := resp.Info
	if info == nil {
		return fmt.Errorf("status response without info")
	}
	if done, err := printStructured(os.Stdout, format, info); done {
		return err
	}

	fmt.Printf("Session %d\n", info.ID)
	fmt.Printf("  Kernel:      %s", info.KernelName)
	if info.DisplayName != "" {
		fmt.Printf(" (%s)", info.DisplayName)
	}
	fmt.Println()
	if info.Implementation != "" {
		fmt.Printf("  Impl:        %s\n", info.Implementation)
	}
	fmt.Printf("  Working Dir: %s\n", info.WorkingDir)
	fmt.Printf("  Status:      %s\n", info.Status)
	fmt.Printf("  Created:     %s\n", info.CreatedAt)
	fmt.Printf("  Executions:  %d\n", info.Executions)
	if info.Pending > 0 {
		fmt.Printf("  Pending:     %d\n", info.Pending)
	}
	if len(info.CommTargets) > 0 {
		fmt.Printf("  Comms:       %s\n", strings.Join(info.CommTargets, ", "))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Launch starts a new kernel session on the node and returns its id.
func Launch(target *Target, kernelName, workingDir, interpreter string) (uint32, error) {
	resp, err := call(target, &protocol.Request{
		Type:        protocol.ReqLaunch,
		Kernel:      kernelName,
		WorkingDir:  workingDir,
		Interpreter: interpreter,
	}, protocol.RespLaunched)
	if err != nil {
		return 0, err
	}
	if resp.ID == nil {
		return 0, fmt.Errorf("launch response without id")
	}
	return *resp.ID, nil
}

// Interrupt interrupts the code running in a session.
func Interrupt(target *Target, id uint32) error {
	_, err := call(target, &protocol.Request{Type: protocol.ReqInterrupt, ID: &id}, protocol.RespInterrupted)
	if err == nil {
		fmt.Fprintf(os.Stderr, "Session %d interrupted\n", id)
	}
	return err
}

// Restart replaces a session's kernel with a fresh one of the same spec.
func Restart(target *Target, id uint32) error {
	_, err := call(target, &protocol.Request{Type: protocol.ReqRestart, ID: &id}, protocol.RespRestarted)
	if err == nil {
		fmt.Fprintf(os.Stderr, "Session %d restarted\n", id)
	}
	return err
}

// ChangeKernel switches a session to another kernel spec.
func ChangeKernel(target *Target, id uint32, kernelName, interpreter string) error {
	_, err := call(target, &protocol.Request{
		Type:        protocol.ReqChangeKernel,
		ID:          &id,
		Kernel:      kernelName,
		Interpreter: interpreter,
	}, protocol.RespKernelChanged)
	if err == nil {
		fmt.Fprintf(os.Stderr, "Session %d now runs %s\n", id, kernelName)
	}
	return err
}

// Kill shuts a session's kernel down.
func Kill(target *Target, id uint32) error {
	_, err := call(target, &protocol.Request{Type: protocol.ReqKill, ID: &id}, protocol.RespKilled)
	if err == nil {
		fmt.Fprintf(os.Stderr, "Session %d killed\n", id)
	}
	return err
}

// KillAll shuts every session down.
func KillAll(target *Target) error {
	resp, err := call(target, &protocol.Request{Type: protocol.ReqKillAll}, protocol.RespKilledAll)
	if err != nil {
		return err
	}
	var n uint
	if resp.Count != nil {
		n = *resp.Count
	}
	fmt.Fprintf(os.Stderr, "Killed %d session(s)\n", n)
	return nil
}

// ---------------------------------------------------------------------------
// History / Complete
// ---------------------------------------------------------------------------

// History prints the recorded executions of a session.
func History(target *Target, id uint32, tail uint, format string) error {
	req := &protocol.Request{Type: protocol.ReqHistory, ID: &id}
	if tail > 0 {
		req.Tail = &tail
	}
	resp, err := call(target, req, protocol.RespHistory)
	if err != nil {
		return err
	}
	var execs []protocol.Execution
	if resp.Executions != nil {
		execs = *resp.Executions
	}
	if done, err := printStructured(os.Stdout, format, execs); done {
		return err
	}
	if len(execs) == 0 {
		fmt.Println("No executions recorded")
		return nil
	}

	codeWidth := max(terminal.Width(100)-40, 20)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTATUS\tSTARTED\tCODE")
	for _, e := range execs {
		count := "-"
		if e.ExecutionCount != nil {
			count = fmt.Sprintf("%d", *e.ExecutionCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", count, e.Status, formatRelativeTime(e.StartedAt), terminal.Truncate(e.Code, codeWidth))
	}
	return tw.Flush()
}

// Complete prints completion candidates for code at cursorPos. A negative
// cursorPos means the end of code.
func Complete(target *Target, id uint32, code string, cursorPos int) error {
	req := &protocol.Request{Type: protocol.ReqComplete, ID: &id, Code: code}
	if cursorPos >= 0 {
		req.CursorPos = &cursorPos
	}
	resp, err := call(target, req, protocol.RespCompletions)
	if err != nil {
		return err
	}
	if resp.Completions == nil {
		return nil
	}
	for _, m := range resp.Completions.Matches {
		fmt.Println(m)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Watch
// ---------------------------------------------------------------------------

// frameEvent carries the result of a single frame read from the node.
type frameEvent struct {
	resp *protocol.Response
	err  error
}

// readResponses reads responses in a loop and sends them to the channel.
// A nil resp with nil err means the node closed the connection.
func readResponses(reader connection.FrameReader, ch chan<- frameEvent) {
	for {
		f, err := reader.ReadFrame()
		if err != nil || f == nil {
			ch <- frameEvent{err: err}
			return
		}
		if f.Type != protocol.FrameControl {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(f.Payload, &resp); err != nil {
			ch <- frameEvent{err: fmt.Errorf("parsing response: %w", err)}
			return
		}
		ch <- frameEvent{resp: &resp}
	}
}

// Watch streams a session's events until it closes, the timeout expires,
// or the connection drops. Output events print their text; other events
// print one line each.
func Watch(target *Target, id uint32, tail *uint, noHistory bool, timeout time.Duration) error {
	reader, writer, err := target.Connect()
	if err != nil {
		return err
	}
	defer reader.Close()
	defer writer.Close()

	includeHistory := !noHistory
	if err := writer.SendRequest(&protocol.Request{
		Type:           protocol.ReqWatchSession,
		ID:             &id,
		IncludeHistory: &includeHistory,
		Tail:           tail,
	}); err != nil {
		return fmt.Errorf("sending watch request: %w", err)
	}

	ch := make(chan frameEvent, 16)
	go readResponses(reader, ch)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case fe := <-ch:
			if fe.err != nil {
				return fe.err
			}
			if fe.resp == nil {
				return nil
			}
			switch fe.resp.Type {
			case protocol.RespEvent:
				var se session.SessionEvent
				if err := json.Unmarshal(fe.resp.Event, &se); err != nil {
					return fmt.Errorf("parsing event: %w", err)
				}
				printEvent(os.Stdout, se)
			case protocol.RespError:
				return fmt.Errorf("%s", formatError(fe.resp.Message))
			}
		case <-deadline:
			fmt.Fprintf(os.Stderr, "\n[jw] watch timeout reached\n")
			return nil
		}
	}
}

func printEvent(w io.Writer, se session.SessionEvent) {
	ts := se.Event.Timestamp.Local().Format("15:04:05")
	switch se.Event.Type {
	case session.EventSessionOutput:
		var out protocol.Output
		if json.Unmarshal(se.Event.Data, &out) == nil {
			fmt.Fprint(w, out.Text)
			return
		}
	case session.EventSessionStatus:
		var d session.StatusData
		if json.Unmarshal(se.Event.Data, &d) == nil {
			fmt.Fprintf(w, "[%s] status %s -> %s\n", ts, d.From, d.To)
			return
		}
	case session.EventSessionRestarted:
		var d session.RestartedData
		if json.Unmarshal(se.Event.Data, &d) == nil {
			verb := "restarted"
			if d.Changed {
				verb = "changed kernel to"
			}
			fmt.Fprintf(w, "[%s] %s %s\n", ts, verb, d.KernelName)
			return
		}
	}
	fmt.Fprintf(w, "[%s] %s %s\n", ts, se.Event.Type, se.Event.Data)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// printSessionTable prints a formatted table of sessions.
func printSessionTable(w io.Writer, sessions []protocol.SessionInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKERNEL\tSTATUS\tEXECS\tCREATED\tDIR")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.KernelName, s.Status, s.Executions, formatRelativeTime(s.CreatedAt), s.WorkingDir)
	}
	tw.Flush()
}

// formatRelativeTime renders an RFC 3339 timestamp as "5s ago", "3m ago",
// and so on. Unparseable input is returned unchanged.
func formatRelativeTime(iso string) string {
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return iso
	}
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds ago", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm ago", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%dh ago", secs/3600)
	default:
		return fmt.Sprintf("%dd ago", secs/86400)
	}
}
