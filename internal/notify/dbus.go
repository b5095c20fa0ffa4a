package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsName   = "org.freedesktop.Notifications"
	notificationsPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsMethod = notificationsName + ".Notify"
)

// DBusNotifier posts to the desktop notification service on the session
// bus. Each notification replaces the previous one so only the latest lock
// state stays on screen.
type DBusNotifier struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	appName string
	timeout int32

	mu      sync.Mutex
	lastID  uint32
	ownConn bool
}

// NewDBusNotifier connects to the session bus. timeoutMs is the expiry
// passed to the server; zero means never expire.
func NewDBusNotifier(appName string, timeoutMs int) (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	n := newDBusNotifier(conn, appName, timeoutMs)
	n.ownConn = true
	return n, nil
}

func newDBusNotifier(conn *dbus.Conn, appName string, timeoutMs int) *DBusNotifier {
	return &DBusNotifier{
		conn:    conn,
		obj:     conn.Object(notificationsName, notificationsPath),
		appName: appName,
		timeout: int32(timeoutMs),
	}
}

// Notify implements Notifier.
func (n *DBusNotifier) Notify(m Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(m.Urgency)),
	}
	call := n.obj.Call(notificationsMethod, 0,
		n.appName, n.lastID, m.Icon, m.Summary, m.Body,
		[]string{}, hints, n.timeout)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify reply: %w", err)
	}
	n.lastID = id
	return nil
}

// Close closes the bus connection if this notifier opened it.
func (n *DBusNotifier) Close() error {
	if n.ownConn {
		return n.conn.Close()
	}
	return nil
}
