//go:build linux

package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyService   = "org.freedesktop.Notifications"
	notifyPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyInterface = "org.freedesktop.Notifications"

	expireMs = int32(8000)
)

type dbusNotifier struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	mu   sync.Mutex
	last uint32
}

// New connects to the session bus. Each message replaces the previous one
// so a flapping engine shows a single notification.
func New() (Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &dbusNotifier{conn: conn, obj: conn.Object(notifyService, notifyPath)}, nil
}

func (n *dbusNotifier) Notify(ctx context.Context, m Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(m.Urgency))}
	call := n.obj.CallWithContext(ctx, notifyInterface+".Notify", 0,
		AppName, n.last, "edit-paste", m.Title, m.Body, []string{}, hints, expireMs)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify reply: %w", err)
	}
	n.last = id
	return nil
}

func (n *dbusNotifier) Close() error {
	return n.conn.Close()
}
