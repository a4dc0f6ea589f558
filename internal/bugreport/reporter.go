// Package bugreport records evidence when the server or the bot itself
// misbehaves: a compressed QA log of all traffic, one triage directory per
// (command, error code) or (command, schema) pair, and timestamped
// snapshots for broken state invariants.
package bugreport

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"twbot/internal/persistence/indexdb"
	tlog "twbot/internal/persistence/log"
	"twbot/internal/persistence/statefile"
	"twbot/internal/protocol"
	"twbot/internal/world"
)

const (
	KindCommandError  = "command_error"
	KindSchema        = "schema"
	KindMalformed     = "malformed_reply"
	KindInconsistency = "inconsistency"
)

// Index receives one row per report written.
type Index interface {
	RecordBug(row indexdb.BugRow)
}

// Mirror ships written files elsewhere.
type Mirror interface {
	Enqueue(localPath string)
}

type Options struct {
	// Dir is the bug report root.
	Dir string
	// QADir enables the traffic log when QAMode is set.
	QADir   string
	QAMode  bool
	Schemas *protocol.Schemas
	Index   Index
	Mirror  Mirror
	Now     func() time.Time
}

// Summary is summary.json inside a report directory.
type Summary struct {
	Kind      string          `json:"kind"`
	Command   string          `json:"command,omitempty"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Trigger   string          `json:"trigger,omitempty"`
	Problems  []string        `json:"problems,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Count     int             `json:"count"`
	FirstSeen time.Time       `json:"first_seen"`
	LastSeen  time.Time       `json:"last_seen"`
}

type Reporter struct {
	opts Options
	log  *zap.Logger
	qa   *tlog.QALogger

	commandSchemas map[string]*jsonschema.Schema
	seq            int
}

func New(opts Options, log *zap.Logger) (*Reporter, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("bug report dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reporter{opts: opts, log: log, commandSchemas: map[string]*jsonschema.Schema{}}
	if opts.QAMode && opts.QADir != "" {
		r.qa = tlog.NewQALogger(opts.QADir)
	}
	return r, nil
}

func (r *Reporter) Close() error {
	if r == nil || r.qa == nil {
		return nil
	}
	return r.qa.Close()
}

// Sent logs an outgoing command and checks its data against the schema the
// server published for it, when we have one. Checks run in QA mode only.
func (r *Reporter) Sent(env protocol.Envelope, m *world.Model) {
	if r.qa != nil {
		r.writeQA(tlog.QAEntry{
			TS:        r.opts.Now(),
			Direction: tlog.DirSend,
			ID:        env.ID,
			Command:   env.Command,
			Payload:   env.Data,
		})
	}
	if !r.opts.QAMode {
		return
	}
	if r.opts.Schemas != nil {
		if err := r.opts.Schemas.ValidateClient(env); err != nil {
			r.SchemaViolation(env.Command, "client", env.Data, err, m)
			return
		}
	}
	if m == nil {
		return
	}
	sch := r.commandSchema(env.Command, m)
	if sch == nil {
		return
	}
	if err := protocol.ValidateData(sch, env.Data); err != nil {
		r.SchemaViolation(env.Command, "client", env.Data, err, m)
	}
}

// Received logs an incoming line and validates it against the envelope
// and payload schemas. command is the request it answers, if known.
func (r *Reporter) Received(line []byte, env protocol.ServerEnvelope, command string, m *world.Model) {
	if r.qa != nil {
		r.writeQA(tlog.QAEntry{
			TS:        r.opts.Now(),
			Direction: tlog.DirRecv,
			ID:        env.ID,
			ReplyTo:   env.ReplyTo,
			Command:   command,
			Type:      env.Type,
			Status:    env.Status,
			Payload:   rawOrString(line),
		})
	}
	if !r.opts.QAMode || r.opts.Schemas == nil {
		return
	}
	if err := r.opts.Schemas.ValidateServerLine(line); err != nil {
		name := command
		if name == "" {
			name = protocol.NormalizeType(env.Type)
		}
		r.SchemaViolation(name, "server", json.RawMessage(line), err, m)
	}
}

func (r *Reporter) writeQA(e tlog.QAEntry) {
	if err := r.qa.WriteEntry(e); err != nil {
		r.log.Warn("qa log write failed", zap.Error(err))
	}
}

func (r *Reporter) commandSchema(command string, m *world.Model) *jsonschema.Schema {
	if sch, ok := r.commandSchemas[command]; ok {
		return sch
	}
	raw, ok := m.CommandSchemas[command]
	if !ok {
		return nil
	}
	sch, err := protocol.CompileCommandSchema(command, raw)
	if err != nil {
		r.log.Debug("command schema unusable", zap.String("command", command), zap.Error(err))
	}
	r.commandSchemas[command] = sch
	return sch
}

// CommandError files an error reply under <command>_<code>.
func (r *Reporter) CommandError(rec world.CommandRecord, env protocol.ServerEnvelope, m *world.Model) {
	code, msg := 0, env.Status
	if env.Error != nil {
		code, msg = env.Error.Code, env.Error.Message
	}
	dir := triageName(rec.Command, strconv.Itoa(code))
	r.triage(dir, Summary{
		Kind:    KindCommandError,
		Command: rec.Command,
		Code:    code,
		Message: msg,
		Request: rec.Data,
	}, env, m)
}

// MalformedReply files an ok reply whose payload could not be decoded.
func (r *Reporter) MalformedReply(rec *world.CommandRecord, env protocol.ServerEnvelope, err error, m *world.Model) {
	command := protocol.NormalizeType(env.Type)
	var req json.RawMessage
	if rec != nil {
		command, req = rec.Command, rec.Data
	}
	r.triage(triageName(command, "schema"), Summary{
		Kind:    KindMalformed,
		Command: command,
		Message: errString(err),
		Request: req,
	}, env, m)
}

// SchemaViolation files a document that failed JSON-schema validation.
// side is "client" or "server".
func (r *Reporter) SchemaViolation(command, side string, doc json.RawMessage, err error, m *world.Model) {
	msg := errString(err)
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		msg = fmt.Sprintf("%#v", verr)
	}
	r.triage(triageName(command, side+"_schema"), Summary{
		Kind:    KindSchema,
		Command: command,
		Message: msg,
	}, doc, m)
}

// Inconsistency snapshots the model when state invariants break. Every
// call gets its own directory.
func (r *Reporter) Inconsistency(problems []string, trigger string, m *world.Model) {
	now := r.opts.Now().UTC()
	r.seq++
	name := fmt.Sprintf("inconsistency_%s_%03d_%s", now.Format("20060102T150405Z"), r.seq, sanitize(trigger))
	dir := filepath.Join(r.opts.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Error("bug report dir", zap.String("dir", dir), zap.Error(err))
		return
	}
	sum := Summary{
		Kind:      KindInconsistency,
		Trigger:   trigger,
		Problems:  problems,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	}
	written := r.writeFiles(dir, sum, nil, m)
	r.log.Warn("state inconsistency", zap.String("trigger", trigger), zap.Strings("problems", problems), zap.String("dir", dir))
	r.index(name, sum, written)
}

// triage merges repeats of the same problem into one directory and keeps
// the latest response and state next to a running count. Outside QA mode
// the problem is only logged.
func (r *Reporter) triage(name string, sum Summary, response any, m *world.Model) {
	if !r.opts.QAMode {
		r.log.Info("command problem",
			zap.String("kind", sum.Kind),
			zap.String("command", sum.Command),
			zap.Int("code", sum.Code),
			zap.String("message", sum.Message),
		)
		return
	}
	dir := filepath.Join(r.opts.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Error("bug report dir", zap.String("dir", dir), zap.Error(err))
		return
	}
	now := r.opts.Now().UTC()
	sum.Count, sum.FirstSeen, sum.LastSeen = 1, now, now
	if prev, err := ReadSummary(dir); err == nil {
		sum.Count = prev.Count + 1
		if !prev.FirstSeen.IsZero() {
			sum.FirstSeen = prev.FirstSeen
		}
	}
	written := r.writeFiles(dir, sum, response, m)
	r.log.Warn("bug report",
		zap.String("kind", sum.Kind),
		zap.String("command", sum.Command),
		zap.Int("code", sum.Code),
		zap.Int("count", sum.Count),
		zap.String("dir", dir),
	)
	r.index(name, sum, written)
}

func (r *Reporter) writeFiles(dir string, sum Summary, response any, m *world.Model) []string {
	var written []string
	put := func(name string, b []byte) {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, b, 0o644); err != nil {
			r.log.Error("bug report write", zap.String("path", p), zap.Error(err))
			return
		}
		written = append(written, p)
	}
	if response != nil {
		if b, err := marshalDoc(response); err == nil {
			put("response.json", b)
		}
	}
	if m != nil {
		if b, err := statefile.Encode(m); err == nil {
			put("game_state.json", b)
		} else {
			r.log.Error("encode game state", zap.Error(err))
		}
	}
	if b, err := json.MarshalIndent(sum, "", "  "); err == nil {
		put("summary.json", append(b, '\n'))
	}
	return written
}

func (r *Reporter) index(name string, sum Summary, files []string) {
	if r.opts.Index != nil {
		summary := sum.Message
		if sum.Kind == KindInconsistency {
			summary = strings.Join(sum.Problems, "; ")
		}
		r.opts.Index.RecordBug(indexdb.BugRow{
			Dir:       name,
			Kind:      sum.Kind,
			Command:   sum.Command,
			Code:      sum.Code,
			Count:     sum.Count,
			FirstSeen: sum.FirstSeen,
			LastSeen:  sum.LastSeen,
			Summary:   summary,
		})
	}
	if r.opts.Mirror != nil {
		for _, p := range files {
			r.opts.Mirror.Enqueue(p)
		}
	}
}

// ReadSummary loads summary.json from a report directory.
func ReadSummary(dir string) (Summary, error) {
	var s Summary
	b, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}

// marshalDoc indents raw JSON as-is and marshals anything else.
func marshalDoc(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return append([]byte(nil), raw...), nil
		}
		v = out
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func triageName(command, suffix string) string {
	if command == "" {
		command = "unknown"
	}
	return sanitize(command) + "_" + sanitize(suffix)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "none"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// rawOrString keeps valid JSON as-is and quotes anything else so the
// log line stays parseable.
func rawOrString(line []byte) json.RawMessage {
	line = []byte(strings.TrimSpace(string(line)))
	if json.Valid(line) {
		return line
	}
	b, _ := json.Marshal(string(line))
	return b
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
