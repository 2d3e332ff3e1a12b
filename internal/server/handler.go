package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/respkit/go-resp-server/internal/command"
	"github.com/respkit/go-resp-server/internal/conn"
	"github.com/respkit/go-resp-server/internal/metrics"
	"github.com/respkit/go-resp-server/internal/repl"
	"github.com/respkit/go-resp-server/internal/resp"
)

// handler drives one connection: read a frame, apply the command, account
// the offset, write the gated reply, and on the primary feed the replication
// bus. A PSYNC transitions the handler into push mode for the rest of the
// connection's life.
type handler struct {
	srv    *Server
	c      *conn.Conn
	logger *slog.Logger
}

func (h *handler) run(ctx context.Context) error {
	info := h.srv.info
	for {
		// let an active WAIT own the bus before we read the next frame
		if !info.Repl.WaitGateFree() {
			time.Sleep(time.Millisecond)
		}
		if ctx.Err() != nil {
			return nil
		}

		if h.srv.readDeadline > 0 && !h.c.IsReplLink() {
			_ = h.c.SetReadDeadline(time.Now().Add(h.srv.readDeadline))
		}
		fr, ok, err := h.c.ReadFrame()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
				h.logger.Info("idle_timeout")
				return nil
			}
			if errors.Is(err, resp.ErrMalformed) {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			return fmt.Errorf("%w: %v", ErrConnRead, err)
		}
		if !ok {
			return nil
		}

		cmd, err := command.Parse(fr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		metrics.IncCommand(cmd.Name())

		reply, deferred := h.apply(cmd)
		info.Repl.AddOffset(int64(fr.WireLen()))

		switch c := cmd.(type) {
		case command.Psync:
			if info.Role != repl.RolePrimary {
				return fmt.Errorf("%w: PSYNC sent to a replica", ErrProtocol)
			}
			return h.pushLoop(ctx, c)
		case command.Wait:
			if err := h.handleWait(c); err != nil {
				return err
			}
		case command.Replconf:
			if c.IsGetAck() {
				ack := command.AckFrame(info.Repl.Offset())
				if err := h.c.WriteFrame(ack); err != nil {
					return fmt.Errorf("%w: %v", ErrConnWrite, err)
				}
			} else if !deferred && !h.c.IsReplLink() {
				if err := h.c.WriteFrame(reply); err != nil {
					return fmt.Errorf("%w: %v", ErrConnWrite, err)
				}
			}
		default:
			// propagated commands are applied silently on a replication link
			if !deferred && !h.c.IsReplLink() {
				if err := h.c.WriteFrame(reply); err != nil {
					return fmt.Errorf("%w: %v", ErrConnWrite, err)
				}
			}
		}

		if info.Role == repl.RolePrimary && cmd.IsWrite() {
			h.srv.bus.Publish(repl.Message{Kind: repl.Propagate, Frame: fr})
			metrics.IncPropagated()
			info.Repl.SetPending(true)
		}
	}
}

// apply runs the side effects of a command and builds its reply. deferred is
// true for commands whose reply (if any) is produced by specialized handling
// in the run loop.
func (h *handler) apply(cmd command.Command) (resp.Frame, bool) {
	switch c := cmd.(type) {
	case command.Ping:
		return c.Apply(), false
	case command.Echo:
		return c.Apply(), false
	case command.Set:
		return c.Apply(h.srv.store), false
	case command.Get:
		return c.Apply(h.srv.store), false
	case command.Info:
		return c.Apply(h.srv.info), false
	case command.ConfigGet:
		return c.Apply(h.srv.info), false
	case command.Replconf:
		if c.IsGetAck() || c.IsAck() {
			return resp.Frame{}, true
		}
		return c.Apply(), false
	default:
		return resp.Frame{}, true
	}
}

// handleWait implements the synchronous-wait primitive. With nothing pending
// it short-circuits to the attached-replica count; otherwise it probes the
// bus and sleeps out the aggregation window while push loops race to count
// acks.
func (h *handler) handleWait(w command.Wait) error {
	info := h.srv.info
	if !info.Repl.Pending() {
		n := uint64(h.srv.bus.Count())
		if err := h.c.WriteFrame(resp.Integer(n)); err != nil {
			return fmt.Errorf("%w: %v", ErrConnWrite, err)
		}
		return nil
	}

	info.Repl.LockWaitGate()
	h.srv.bus.Publish(repl.Message{Kind: repl.WaitProbe, Timeout: w.Timeout})
	time.Sleep(w.Timeout)
	acks := info.Repl.Acks()
	info.Repl.ResetAcks()
	info.Repl.SetPending(false)
	info.Repl.UnlockWaitGate()

	if err := h.c.WriteFrame(resp.Integer(uint64(acks))); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	return nil
}

// pushLoop converts the connection into a replication link and forwards bus
// traffic until the subscription ends or the socket closes.
func (h *handler) pushLoop(ctx context.Context, psync command.Psync) error {
	sub := h.srv.bus.Attach()
	defer h.srv.bus.Detach(sub)

	if err := h.c.WriteFrame(psync.FullResync(h.srv.info)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	if err := h.c.WriteBlob(h.srv.store.SnapshotBlob()); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	h.c.MarkReplLink()
	h.logger.Info("replica_attached")

	for {
		select {
		case m := <-sub.Out:
			switch m.Kind {
			case repl.Propagate:
				if err := h.c.WriteFrame(m.Frame); err != nil {
					return fmt.Errorf("%w: %v", ErrConnWrite, err)
				}
			case repl.WaitProbe:
				if err := h.probe(m.Timeout); err != nil {
					return err
				}
			}
		case <-sub.Closed:
			h.logger.Warn("replica_kicked_lagging")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// probe writes a GETACK to the replica and counts its ack if one arrives
// within the window. A timeout is a signal, not an error.
func (h *handler) probe(timeout time.Duration) error {
	if err := h.c.WriteFrame(command.GetAckFrame()); err != nil {
		return fmt.Errorf("%w: %v", ErrConnWrite, err)
	}
	_ = h.c.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = h.c.SetReadDeadline(time.Time{}) }()

	fr, ok, err := h.c.ReadFrame()
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrConnRead, err)
	}
	if !ok {
		return fmt.Errorf("%w: replica closed during probe", ErrConnRead)
	}
	if cmd, perr := command.Parse(fr); perr == nil {
		if rc, isReplconf := cmd.(command.Replconf); isReplconf && rc.IsAck() {
			h.srv.info.Repl.IncAck()
		}
	}
	return nil
}
