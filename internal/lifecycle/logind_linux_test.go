//go:build linux

package lifecycle

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestClassifySignal(t *testing.T) {
	session := dbus.ObjectPath("/org/freedesktop/login1/session/_32")

	cases := []struct {
		name    string
		sig     *dbus.Signal
		session dbus.ObjectPath
		want    Reason
		ok      bool
	}{
		{
			name: "shutdown starting",
			sig:  &dbus.Signal{Path: login1Path, Name: login1ManagerInterface + ".PrepareForShutdown", Body: []any{true}},
			want: ReasonShutdown, ok: true,
		},
		{
			name: "shutdown cancelled",
			sig:  &dbus.Signal{Path: login1Path, Name: login1ManagerInterface + ".PrepareForShutdown", Body: []any{false}},
		},
		{
			name: "malformed body",
			sig:  &dbus.Signal{Path: login1Path, Name: login1ManagerInterface + ".PrepareForShutdown", Body: []any{"yes"}},
		},
		{
			name:    "own session lock",
			sig:     &dbus.Signal{Path: session, Name: login1SessionInterface + ".Lock"},
			session: session,
			want:    ReasonLock, ok: true,
		},
		{
			name:    "other session lock",
			sig:     &dbus.Signal{Path: "/org/freedesktop/login1/session/_33", Name: login1SessionInterface + ".Lock"},
			session: session,
		},
		{
			name: "lock without end-on-lock",
			sig:  &dbus.Signal{Path: session, Name: login1SessionInterface + ".Lock"},
		},
		{
			name:    "auto session matches any path",
			sig:     &dbus.Signal{Path: session, Name: login1SessionInterface + ".Lock"},
			session: login1AutoSession,
			want:    ReasonLock, ok: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := classifySignal(tc.sig, tc.session)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
