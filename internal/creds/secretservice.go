package creds

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// SecretService stores credentials in the desktop secret store
// (org.freedesktop.secrets on the session bus), the way the setup wizard of
// a desktop install expects. Hosts without a running secret service fall
// through to the file source via Chain.
const (
	secretsBusName  = "org.freedesktop.secrets"
	secretsPath     = dbus.ObjectPath("/org/freedesktop/secrets")
	ifaceService    = "org.freedesktop.Secret.Service"
	ifaceCollection = "org.freedesktop.Secret.Collection"
	ifaceItem       = "org.freedesktop.Secret.Item"
	ifaceProps      = "org.freedesktop.DBus.Properties"

	attrService = "service"
	serviceName = "pia-nm"
	itemLabel   = "PIA VPN credentials (pia-nm)"
)

// secret mirrors the (oayays) Secret struct of the Secret Service API.
type secret struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// SecretService is a Store backed by the desktop secret service.
type SecretService struct{}

func (s *SecretService) connect() (*dbus.Conn, dbus.BusObject, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, nil, fmt.Errorf("connect session bus: %w", err)
	}
	return conn, conn.Object(secretsBusName, secretsPath), nil
}

// openSession negotiates a plain (unencrypted transport over the local bus)
// session with the service.
func openSession(svc dbus.BusObject) (dbus.ObjectPath, error) {
	var (
		output  dbus.Variant
		session dbus.ObjectPath
	)
	err := svc.Call(ifaceService+".OpenSession", 0, "plain", dbus.MakeVariant("")).
		Store(&output, &session)
	if err != nil {
		return "", fmt.Errorf("open secret session: %w", err)
	}
	return session, nil
}

// Get looks up the stored item by its service attribute.
func (s *SecretService) Get() (string, string, error) {
	conn, svc, err := s.connect()
	if err != nil {
		return "", "", ErrNotConfigured
	}

	attrs := map[string]string{attrService: serviceName}
	var unlocked, locked []dbus.ObjectPath
	err = svc.Call(ifaceService+".SearchItems", 0, attrs).Store(&unlocked, &locked)
	if err != nil {
		// No secret service running on this host.
		return "", "", ErrNotConfigured
	}

	if len(unlocked) == 0 && len(locked) > 0 {
		var (
			nowUnlocked []dbus.ObjectPath
			prompt      dbus.ObjectPath
		)
		err = svc.Call(ifaceService+".Unlock", 0, locked).Store(&nowUnlocked, &prompt)
		if err != nil || len(nowUnlocked) == 0 {
			return "", "", fmt.Errorf("secret store is locked")
		}
		unlocked = nowUnlocked
	}
	if len(unlocked) == 0 {
		return "", "", ErrNotConfigured
	}
	item := unlocked[0]

	session, err := openSession(svc)
	if err != nil {
		return "", "", err
	}

	var sec secret
	err = conn.Object(secretsBusName, item).Call(ifaceItem+".GetSecret", 0, session).Store(&sec)
	if err != nil {
		return "", "", fmt.Errorf("read secret: %w", err)
	}

	var itemAttrs map[string]string
	var v dbus.Variant
	err = conn.Object(secretsBusName, item).Call(ifaceProps+".Get", 0, ifaceItem, "Attributes").Store(&v)
	if err != nil {
		return "", "", fmt.Errorf("read secret attributes: %w", err)
	}
	if err := dbus.Store([]interface{}{v.Value()}, &itemAttrs); err != nil {
		return "", "", fmt.Errorf("read secret attributes: %w", err)
	}

	username := itemAttrs["username"]
	if username == "" || len(sec.Value) == 0 {
		return "", "", ErrNotConfigured
	}
	return username, string(sec.Value), nil
}

// Set stores the credentials in the default collection, replacing any
// previous item.
func (s *SecretService) Set(username, password string) error {
	conn, svc, err := s.connect()
	if err != nil {
		return err
	}

	var collection dbus.ObjectPath
	err = svc.Call(ifaceService+".ReadAlias", 0, "default").Store(&collection)
	if err != nil || collection == "/" {
		return fmt.Errorf("no default secret collection")
	}

	session, err := openSession(svc)
	if err != nil {
		return err
	}

	props := map[string]dbus.Variant{
		ifaceItem + ".Label": dbus.MakeVariant(itemLabel),
		ifaceItem + ".Attributes": dbus.MakeVariant(map[string]string{
			attrService: serviceName,
			"username":  username,
		}),
	}
	sec := secret{
		Session:     session,
		Value:       []byte(password),
		ContentType: "text/plain",
	}

	var (
		item   dbus.ObjectPath
		prompt dbus.ObjectPath
	)
	err = conn.Object(secretsBusName, collection).
		Call(ifaceCollection+".CreateItem", 0, props, sec, true).
		Store(&item, &prompt)
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}
