package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/codewiresh/jupyterwire/internal/protocol"
	"github.com/codewiresh/jupyterwire/internal/terminal"
)

// ErrExecutionFailed is returned by Exec when the kernel reported an error.
// The traceback has already been printed.
var ErrExecutionFailed = errors.New("execution failed")

// execIO is where an execution reads stdin answers and writes output.
type execIO struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	// secret reads password input without echo. Nil falls back to in.
	secret     func(prompt string) (string, error)
	interrupts <-chan os.Signal
}

func stdIO(interrupts <-chan os.Signal) execIO {
	x := execIO{
		in:         bufio.NewReader(os.Stdin),
		out:        os.Stdout,
		errOut:     os.Stderr,
		interrupts: interrupts,
	}
	if terminal.IsInteractive() {
		x.secret = terminal.ReadSecret
	}
	return x
}

func (x execIO) readLine(prompt string, password bool) (string, error) {
	if password && x.secret != nil {
		return x.secret(prompt)
	}
	fmt.Fprint(x.out, prompt)
	line, err := x.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// runExecute sends one Execute request and streams its responses until the
// ExecuteResult arrives. Signals on x.interrupts are forwarded as Interrupt
// requests on the same connection.
func runExecute(target *Target, id uint32, code string, allowStdin bool, x execIO) (*protocol.ExecResult, error) {
	reader, writer, err := target.Connect()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	defer writer.Close()

	if err := writer.SendRequest(&protocol.Request{
		Type:       protocol.ReqExecute,
		ID:         &id,
		Code:       code,
		AllowStdin: allowStdin,
	}); err != nil {
		return nil, fmt.Errorf("sending execute request: %w", err)
	}

	ch := make(chan frameEvent, 16)
	go readResponses(reader, ch)

	for {
		select {
		case fe := <-ch:
			if fe.err != nil {
				return nil, fe.err
			}
			if fe.resp == nil {
				return nil, errors.New("connection closed before execute result")
			}
			resp := fe.resp
			switch resp.Type {
			case protocol.RespOutput:
				if resp.Output == nil {
					continue
				}
				w := x.out
				if resp.Output.Stream == "stderr" {
					w = x.errOut
				}
				io.WriteString(w, resp.Output.Text)
			case protocol.RespInputRequest:
				value, err := x.readLine(resp.Prompt, resp.Password)
				if err != nil {
					return nil, fmt.Errorf("reading input: %w", err)
				}
				if err := writer.SendRequest(&protocol.Request{Type: protocol.ReqInputReply, ID: &id, Value: value}); err != nil {
					return nil, fmt.Errorf("sending input: %w", err)
				}
			case protocol.RespExecuteResult:
				if resp.Result == nil {
					return nil, errors.New("execute result without content")
				}
				return resp.Result, nil
			case protocol.RespError:
				return nil, errors.New(formatError(resp.Message))
			}
		case <-x.interrupts:
			fmt.Fprintln(x.errOut, "\n[jw] interrupting")
			if err := writer.SendRequest(&protocol.Request{Type: protocol.ReqInterrupt, ID: &id}); err != nil {
				return nil, fmt.Errorf("sending interrupt: %w", err)
			}
		}
	}
}

// Exec runs code in a session, printing its output as it arrives. Ctrl-C
// interrupts the kernel rather than abandoning the execution.
func Exec(target *Target, id uint32, code string, allowStdin bool) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	res, err := runExecute(target, id, code, allowStdin, stdIO(sigCh))
	if err != nil {
		return err
	}
	if res.Status != "ok" {
		if res.EName != "" {
			return fmt.Errorf("%w: %s", ErrExecutionFailed, res.EName)
		}
		return fmt.Errorf("%w: %s", ErrExecutionFailed, res.Status)
	}
	return nil
}

// Console runs an interactive read-eval-print loop against a session.
// A line ending in ':' or '\' opens a block that ends at the next empty
// line. ":restart" restarts the kernel and ":quit" leaves.
func Console(target *Target, id uint32) error {
	info, err := call(target, &protocol.Request{Type: protocol.ReqGetStatus, ID: &id}, protocol.RespSessionStatus)
	if err != nil {
		return err
	}
	if info.Info != nil {
		fmt.Fprintf(os.Stderr, "[jw] session %d: %s (%s). Ctrl-C interrupts, Ctrl-D exits.\n",
			id, info.Info.KernelName, info.Info.Status)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	x := stdIO(sigCh)
	interactive := terminal.IsInteractive()
	count := 1
	for {
		code, err := readCell(x.in, x.out, interactive, count)
		if errors.Is(err, io.EOF) {
			if interactive {
				fmt.Fprintln(x.out)
			}
			return nil
		}
		if err != nil {
			return err
		}
		// Drop a Ctrl-C pressed at the prompt.
		select {
		case <-sigCh:
		default:
		}

		switch strings.TrimSpace(code) {
		case "":
			continue
		case ":quit", ":q":
			return nil
		case ":restart":
			if err := Restart(target, id); err != nil {
				fmt.Fprintln(x.errOut, err)
			}
			count = 1
			continue
		}

		res, err := runExecute(target, id, code, true, x)
		if err != nil {
			fmt.Fprintln(x.errOut, err)
			continue
		}
		if res.ExecutionCount != nil {
			count = *res.ExecutionCount + 1
		}
	}
}

// readCell reads one input cell. Prompts are only printed when interactive.
func readCell(in *bufio.Reader, out io.Writer, interactive bool, count int) (string, error) {
	prompt := fmt.Sprintf("In [%d]: ", count)
	cont := strings.Repeat(" ", len(prompt)-5) + "...: "

	var lines []string
	block := false
	for {
		if interactive {
			if len(lines) == 0 {
				fmt.Fprint(out, prompt)
			} else {
				fmt.Fprint(out, cont)
			}
		}
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			if len(lines) > 0 && errors.Is(err, io.EOF) {
				return strings.Join(lines, "\n"), nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		if block {
			if strings.TrimSpace(line) == "" {
				return strings.Join(lines, "\n"), nil
			}
			lines = append(lines, line)
			continue
		}
		if strings.HasSuffix(line, ":") || strings.HasSuffix(line, "\\") {
			block = true
			lines = append(lines, line)
			continue
		}
		return line, nil
	}
}
