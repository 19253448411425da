//go:build linux

package lifecycle

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"modalityd/internal/logging"
)

const (
	login1Service          = "org.freedesktop.login1"
	login1Path             = dbus.ObjectPath("/org/freedesktop/login1")
	login1ManagerInterface = "org.freedesktop.login1.Manager"
	login1SessionInterface = "org.freedesktop.login1.Session"
	login1AutoSession      = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
)

// watchLogind subscribes to logind signals on the system bus. The returned
// channel yields at most one reason.
func watchLogind(ctx context.Context, endOnLock bool, logger *logging.Logger) (<-chan Reason, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(login1Path),
		dbus.WithMatchInterface(login1ManagerInterface),
		dbus.WithMatchMember("PrepareForShutdown"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("match PrepareForShutdown: %w", err)
	}

	var session dbus.ObjectPath
	if endOnLock {
		session = sessionPath(conn, logger)
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(session),
			dbus.WithMatchInterface(login1SessionInterface),
			dbus.WithMatchMember("Lock"),
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("match session Lock: %w", err)
		}
	}

	sigs := make(chan *dbus.Signal, 8)
	conn.Signal(sigs)

	out := make(chan Reason, 1)
	go func() {
		defer conn.Close()
		defer conn.RemoveSignal(sigs)

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				if reason, ok := classifySignal(sig, session); ok {
					out <- reason
					return
				}
			}
		}
	}()

	logger.Debug("watching logind", "session", string(session), "end_on_lock", endOnLock)
	return out, nil
}

// sessionPath resolves this process's logind session, falling back to the
// "auto" alias.
func sessionPath(conn *dbus.Conn, logger *logging.Logger) dbus.ObjectPath {
	var path dbus.ObjectPath
	obj := conn.Object(login1Service, login1Path)
	err := obj.Call(login1ManagerInterface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path)
	if err != nil || !path.IsValid() {
		logger.Debug("session lookup failed, using auto session", "error", err)
		return login1AutoSession
	}
	return path
}

// classifySignal maps a logind signal to a teardown reason. Only the start
// of a shutdown counts; PrepareForShutdown(false) announces that it was
// cancelled.
func classifySignal(sig *dbus.Signal, session dbus.ObjectPath) (Reason, bool) {
	switch sig.Name {
	case login1ManagerInterface + ".PrepareForShutdown":
		if len(sig.Body) == 1 {
			if start, ok := sig.Body[0].(bool); ok && start {
				return ReasonShutdown, true
			}
		}
	case login1SessionInterface + ".Lock":
		if session == "" {
			return "", false
		}
		if session == login1AutoSession || sig.Path == session {
			return ReasonLock, true
		}
	}
	return "", false
}
