// Package command parses request frames into typed commands and applies them.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/respkit/go-resp-server/internal/resp"
)

// ErrProtocol reports an unknown command or a malformed argument shape. The
// offending connection is closed without a reply.
var ErrProtocol = errors.New("command: protocol error")

func errProtocol(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, a...))
}

// Command is one parsed request. Concrete types carry the typed arguments;
// handlers type-switch for the commands that need connection or replication
// access.
type Command interface {
	// Name returns the canonical (upper-case) command name.
	Name() string
	// IsWrite reports whether the command mutates the keyspace and must be
	// propagated to secondaries.
	IsWrite() bool
}

// args walks the elements of a request array.
type args struct {
	items []resp.Frame
	pos   int
}

var errEndOfArgs = errors.New("end of args")

func (a *args) next() (resp.Frame, error) {
	if a.pos >= len(a.items) {
		return resp.Frame{}, errEndOfArgs
	}
	f := a.items[a.pos]
	a.pos++
	return f, nil
}

func (a *args) nextBytes() ([]byte, error) {
	f, err := a.next()
	if err != nil {
		return nil, err
	}
	switch f.Kind() {
	case resp.KindBulk:
		return f.Data(), nil
	case resp.KindSimple:
		return []byte(f.Text()), nil
	default:
		return nil, errProtocol("argument %d is not a string", a.pos)
	}
}

func (a *args) nextString() (string, error) {
	b, err := a.nextBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *args) nextUint() (uint64, error) {
	s, err := a.nextString()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errProtocol("argument %d is not a non-negative integer", a.pos)
	}
	return n, nil
}

func (a *args) done() error {
	if a.pos < len(a.items) {
		return errProtocol("trailing arguments after %s", a.items[0])
	}
	return nil
}

// Parse turns a request frame into a typed command. Every request is an
// array of strings; names are case-insensitive; argument shapes are strict.
func Parse(f resp.Frame) (Command, error) {
	if f.Kind() != resp.KindArray || len(f.Items()) == 0 {
		return nil, errProtocol("request is not a command array")
	}
	a := &args{items: f.Items()}
	name, err := a.nextString()
	if err != nil {
		return nil, errProtocol("missing command name")
	}

	switch strings.ToUpper(name) {
	case "PING":
		return parsePing(a)
	case "ECHO":
		return parseEcho(a)
	case "SET":
		return parseSet(a)
	case "GET":
		return parseGet(a)
	case "INFO":
		// sections are ignored
		return Info{}, nil
	case "CONFIG":
		return parseConfig(a)
	case "REPLCONF":
		return parseReplconf(a)
	case "PSYNC":
		return parsePsync(a)
	case "WAIT":
		return parseWait(a)
	default:
		return nil, errProtocol("unknown command %q", name)
	}
}

func parsePing(a *args) (Command, error) {
	msg, err := a.nextBytes()
	if errors.Is(err, errEndOfArgs) {
		return Ping{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := a.done(); err != nil {
		return nil, err
	}
	return Ping{Msg: msg}, nil
}

func parseEcho(a *args) (Command, error) {
	msg, err := a.nextBytes()
	if err != nil {
		return nil, errProtocol("ECHO requires a message")
	}
	if err := a.done(); err != nil {
		return nil, err
	}
	return Echo{Msg: msg}, nil
}

func parseSet(a *args) (Command, error) {
	key, err := a.nextString()
	if err != nil {
		return nil, errProtocol("SET requires a key")
	}
	value, err := a.nextBytes()
	if err != nil {
		return nil, errProtocol("SET requires a value")
	}
	cmd := Set{Key: key, Value: value}

	opt, err := a.nextString()
	if errors.Is(err, errEndOfArgs) {
		return cmd, nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(opt, "PX") {
		return nil, errProtocol("unknown SET option %q", opt)
	}
	ms, err := a.nextUint()
	if err != nil {
		return nil, errProtocol("PX requires milliseconds")
	}
	ttl := time.Duration(ms) * time.Millisecond
	cmd.TTL = &ttl
	if err := a.done(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func parseGet(a *args) (Command, error) {
	key, err := a.nextString()
	if err != nil {
		return nil, errProtocol("GET requires a key")
	}
	if err := a.done(); err != nil {
		return nil, err
	}
	return Get{Key: key}, nil
}

func parseConfig(a *args) (Command, error) {
	sub, err := a.nextString()
	if err != nil || !strings.EqualFold(sub, "GET") {
		return nil, errProtocol("CONFIG supports only GET")
	}
	var params []string
	for {
		p, err := a.nextString()
		if errors.Is(err, errEndOfArgs) {
			break
		}
		if err != nil {
			return nil, err
		}
		p = strings.ToLower(p)
		switch p {
		case "dir", "dbfilename":
			params = append(params, p)
		default:
			return nil, errProtocol("unknown CONFIG parameter %q", p)
		}
	}
	if len(params) == 0 {
		return nil, errProtocol("CONFIG GET requires a parameter")
	}
	return ConfigGet{Params: params}, nil
}

func parseReplconf(a *args) (Command, error) {
	param, err := a.nextString()
	if err != nil {
		return nil, errProtocol("REPLCONF requires a parameter")
	}
	arg, err := a.nextString()
	if err != nil {
		return nil, errProtocol("REPLCONF %s requires an argument", param)
	}
	if err := a.done(); err != nil {
		return nil, err
	}
	switch strings.ToLower(param) {
	case "listening-port", "capa", "getack", "ack":
		return Replconf{Param: param, Arg: arg}, nil
	default:
		return nil, errProtocol("unknown REPLCONF parameter %q", param)
	}
}

func parsePsync(a *args) (Command, error) {
	replID, err := a.nextString()
	if err != nil {
		return nil, errProtocol("PSYNC requires a replication id")
	}
	offsetStr, err := a.nextString()
	if err != nil {
		return nil, errProtocol("PSYNC requires an offset")
	}
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil {
		return nil, errProtocol("PSYNC offset %q is not an integer", offsetStr)
	}
	if err := a.done(); err != nil {
		return nil, err
	}
	return Psync{ReplID: replID, Offset: offset}, nil
}

func parseWait(a *args) (Command, error) {
	numReplicas, err := a.nextUint()
	if err != nil {
		return nil, errProtocol("WAIT requires a replica count")
	}
	ms, err := a.nextUint()
	if err != nil {
		return nil, errProtocol("WAIT requires a timeout")
	}
	if err := a.done(); err != nil {
		return nil, err
	}
	return Wait{NumReplicas: int(numReplicas), Timeout: time.Duration(ms) * time.Millisecond}, nil
}
