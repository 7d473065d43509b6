//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	geoclueService        = "org.freedesktop.GeoClue2"
	geoclueManagerPath    = "/org/freedesktop/GeoClue2/Manager"
	geoclueManagerIface   = "org.freedesktop.GeoClue2.Manager"
	geoclueClientIface    = "org.freedesktop.GeoClue2.Client"
	geoclueLocationIface  = "org.freedesktop.GeoClue2.Location"
	geoclueAccuracyExact  = uint32(8)
	geoclueDesktopID      = "proctord"
	geoclueLocationSignal = geoclueClientIface + ".LocationUpdated"
)

// geoclueStopTimeout bounds releasing a client after a failed setup.
const geoclueStopTimeout = 2 * time.Second

// geoclueBus is the part of *dbus.Conn the locator uses.
type geoclueBus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// GeoClueLocator reads positions from GeoClue2 on the system bus.
type GeoClueLocator struct {
	dial func() (geoclueBus, error)

	mu     sync.Mutex
	conn   geoclueBus
	client dbus.BusObject
}

// NewLocator returns the GeoClue locator. The bus connection is opened
// lazily on the first Locate.
func NewLocator() Locator {
	return &GeoClueLocator{dial: systemBus}
}

func systemBus() (geoclueBus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (g *GeoClueLocator) connect(ctx context.Context) (err error) {
	if g.client != nil {
		return nil
	}
	dial := g.dial
	if dial == nil {
		dial = systemBus
	}
	conn, err := dial()
	if err != nil {
		return fmt.Errorf("%w: system bus: %v", ErrUnavailable, err)
	}

	var clientPath dbus.ObjectPath
	manager := conn.Object(geoclueService, geoclueManagerPath)
	if err := manager.CallWithContext(ctx, geoclueManagerIface+".GetClient", 0).Store(&clientPath); err != nil {
		return fmt.Errorf("%w: geoclue client: %v", ErrUnavailable, err)
	}
	client := conn.Object(geoclueService, clientPath)
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(clientPath),
		dbus.WithMatchInterface(geoclueClientIface),
		dbus.WithMatchMember("LocationUpdated"),
	}
	matched := false
	defer func() {
		if err == nil {
			return
		}
		if matched {
			conn.RemoveMatchSignal(match...)
		}
		releaseClient(manager, client, clientPath)
	}()

	if err := client.SetProperty(geoclueClientIface+".DesktopId", dbus.MakeVariant(geoclueDesktopID)); err != nil {
		return fmt.Errorf("geoclue desktop id: %w", err)
	}
	if err := client.SetProperty(geoclueClientIface+".RequestedAccuracyLevel", dbus.MakeVariant(geoclueAccuracyExact)); err != nil {
		return fmt.Errorf("geoclue accuracy: %w", err)
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("geoclue match: %w", err)
	}
	matched = true
	if err := client.CallWithContext(ctx, geoclueClientIface+".Start", 0).Err; err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.AccessDenied" {
			return ErrPermissionDenied
		}
		return fmt.Errorf("geoclue start: %w", err)
	}

	g.conn = conn
	g.client = client
	return nil
}

// releaseClient stops and deletes a client whose setup failed. The
// caller's context may already be done, so it uses its own deadline.
func releaseClient(manager, client dbus.BusObject, path dbus.ObjectPath) {
	ctx, cancel := context.WithTimeout(context.Background(), geoclueStopTimeout)
	defer cancel()
	client.CallWithContext(ctx, geoclueClientIface+".Stop", 0)
	manager.CallWithContext(ctx, geoclueManagerIface+".DeleteClient", 0, path)
}

// Locate returns the current location, waiting for the first fix if GeoClue
// has not produced one yet.
func (g *GeoClueLocator) Locate(ctx context.Context) (Location, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.connect(ctx); err != nil {
		return Location{}, err
	}

	if loc, err := g.current(); err == nil {
		return loc, nil
	}

	signals := make(chan *dbus.Signal, 4)
	g.conn.Signal(signals)
	defer g.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return Location{}, ctx.Err()
		case sig := <-signals:
			if sig == nil || sig.Name != geoclueLocationSignal || len(sig.Body) < 2 {
				continue
			}
			path, ok := sig.Body[1].(dbus.ObjectPath)
			if !ok {
				continue
			}
			return g.read(path)
		}
	}
}

func (g *GeoClueLocator) current() (Location, error) {
	v, err := g.client.GetProperty(geoclueClientIface + ".Location")
	if err != nil {
		return Location{}, err
	}
	path, ok := v.Value().(dbus.ObjectPath)
	if !ok || path == "/" {
		return Location{}, fmt.Errorf("geoclue: no fix yet")
	}
	return g.read(path)
}

func (g *GeoClueLocator) read(path dbus.ObjectPath) (Location, error) {
	obj := g.conn.Object(geoclueService, path)
	get := func(name string) (float64, error) {
		v, err := obj.GetProperty(geoclueLocationIface + "." + name)
		if err != nil {
			return 0, err
		}
		f, ok := v.Value().(float64)
		if !ok {
			return 0, fmt.Errorf("geoclue: %s is %T", name, v.Value())
		}
		return f, nil
	}

	lat, err := get("Latitude")
	if err != nil {
		return Location{}, fmt.Errorf("geoclue latitude: %w", err)
	}
	lon, err := get("Longitude")
	if err != nil {
		return Location{}, fmt.Errorf("geoclue longitude: %w", err)
	}
	acc, _ := get("Accuracy")
	return Location{Latitude: lat, Longitude: lon, Accuracy: acc, CapturedAt: time.Now()}, nil
}

// Close stops the GeoClue client. The shared system bus stays open.
func (g *GeoClueLocator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Call(geoclueClientIface+".Stop", 0).Err
	g.client = nil
	g.conn = nil
	return err
}
