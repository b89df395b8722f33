// Package terminal provides interactive sessions bound to a sandbox.
//
// A session is created from a sandbox id or from a project bound to one, and
// the sandbox is started before the session is returned. Subscribers join a
// session's room and receive every output event broadcast to it: the echoed
// command, its stdout and stderr, and a system line for non-zero exits.
// Commands run one at a time per call, bounded by a per-command timeout.
//
// Sessions idle longer than the idle timeout are closed by Run, which sweeps
// the live table on a fixed interval.
//
// Transports that hold a persistent channel per client feed decoded events to
// Manager.Handle:
//
//	rec := terminal.NewRecorder("client-1")
//	mgr.Handle(ctx, rec, terminal.Inbound{Event: terminal.EventJoinSession, SessionID: id})
//	mgr.Handle(ctx, rec, terminal.Inbound{Event: terminal.EventExecuteCommand, SessionID: id, Command: "ls"})
package terminal
