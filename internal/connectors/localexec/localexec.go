// Package localexec runs workers as local child processes that speak
// newline-delimited JSON over stdin and stdout.
package localexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/fentz26/courier/internal/connectors"
	"github.com/fentz26/courier/internal/models"
)

// Spawner starts worker child processes.
type Spawner struct {
	path        string
	args        []string
	env         []string
	mailboxSize int
}

// New creates a spawner that runs path with args for each worker.
// Env entries are appended to the parent environment.
func New(path string, args []string, env []string, mailboxSize int) *Spawner {
	return &Spawner{path: path, args: args, env: env, mailboxSize: mailboxSize}
}

// Name returns the spawner identifier.
func (s *Spawner) Name() string {
	return "localexec"
}

// Spawn starts one child process. The worker ID is the child's pid.
func (s *Spawner) Spawn(ctx context.Context, events chan<- connectors.Event) (connectors.Worker, error) {
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	w := &worker{
		id:    strconv.Itoa(cmd.Process.Pid),
		cmd:   cmd,
		inbox: connectors.NewMailbox(s.mailboxSize),
		stdin: stdin,
	}
	go w.writeLoop(ctx)
	go w.readLoop(ctx, stdout, events)
	return w, nil
}

type worker struct {
	id    string
	cmd   *exec.Cmd
	inbox *connectors.Mailbox
	stdin io.WriteCloser

	closeOnce sync.Once
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) Send(msg models.WorkerMessage) error {
	return w.inbox.Send(msg)
}

// Stop closes the child's stdin. The child exits once it reaches EOF.
func (w *worker) Stop() error {
	w.inbox.Close()
	return nil
}

func (w *worker) closeStdin() {
	w.closeOnce.Do(func() {
		w.stdin.Close()
	})
}

func (w *worker) writeLoop(ctx context.Context) {
	defer w.closeStdin()

	enc := json.NewEncoder(w.stdin)
	for {
		msg, err := w.inbox.Receive(ctx)
		if err != nil {
			return
		}
		if err := enc.Encode(msg); err != nil {
			log.Printf("Worker %s: write failed: %v", w.id, err)
			return
		}
	}
}

func (w *worker) readLoop(ctx context.Context, stdout io.Reader, events chan<- connectors.Event) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var msg models.WorkerMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Printf("Worker %s: bad message: %v", w.id, err)
			continue
		}

		var kind connectors.EventKind
		switch msg.Command {
		case models.CommandStarted:
			kind = connectors.EventStarted
		case models.CommandFinished:
			kind = connectors.EventFinished
		default:
			continue
		}
		connectors.Emit(ctx, events, connectors.Event{WorkerID: w.id, Kind: kind, ItemID: msg.ItemID})
	}

	err := w.cmd.Wait()
	w.inbox.Close()
	w.closeStdin()
	connectors.Emit(ctx, events, connectors.Event{WorkerID: w.id, Kind: connectors.EventExited, Err: err})
}

// MaxLineBytes is the longest protocol line Serve accepts. Longer lines are
// skipped and their item reported finished without running the handler.
const MaxLineBytes = 4 * 1024 * 1024

// Serve is the worker side of the protocol. It reads handle commands from r,
// runs handler for each, and reports started/finished on w. It returns nil
// when r reaches EOF.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handler connectors.Handler) error {
	return serve(ctx, r, w, handler, MaxLineBytes)
}

func serve(ctx context.Context, r io.Reader, w io.Writer, handler connectors.Handler, limit int) error {
	if handler == nil {
		handler = connectors.SimulatedHandler(0)
	}

	enc := json.NewEncoder(w)
	report := func(cmd models.Command, itemID string) error {
		if err := enc.Encode(models.WorkerMessage{Command: cmd, ItemID: itemID}); err != nil {
			return fmt.Errorf("report %s: %w", cmd, err)
		}
		return nil
	}

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, tooLong, readErr := readLine(br, limit)
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case tooLong:
			id := itemIDFromPrefix(line)
			log.Printf("Skipping item %q: message exceeds %d bytes", id, limit)
			if id != "" {
				if err := report(models.CommandStarted, id); err != nil {
					return err
				}
				if err := report(models.CommandFinished, id); err != nil {
					return err
				}
			}

		case len(bytes.TrimSpace(line)) > 0:
			var msg models.WorkerMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				log.Printf("Ignoring malformed message: %v", err)
				break
			}
			if msg.Command != models.CommandHandle {
				break
			}
			if err := report(models.CommandStarted, msg.ItemID); err != nil {
				return err
			}
			if err := handler(ctx, msg); err != nil {
				log.Printf("Item %s failed: %v", msg.ItemID, err)
			}
			if err := report(models.CommandFinished, msg.ItemID); err != nil {
				return err
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// readLine reads through the next newline. Past limit bytes the rest of the
// line is discarded and tooLong is set; line then holds the first limit bytes.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if room := limit - len(line); len(chunk) > room {
				line = append(line, chunk[:room]...)
				tooLong = true
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}

// itemIDFromPrefix recovers item_id from the start of a truncated handle
// message. item_id is encoded before payload, so it survives truncation.
func itemIDFromPrefix(prefix []byte) string {
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return ""
		}
		if key == "item_id" {
			var id string
			if err := dec.Decode(&id); err != nil {
				return ""
			}
			return id
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return ""
		}
	}
	return ""
}
