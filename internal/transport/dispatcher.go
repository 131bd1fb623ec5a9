package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Dispatcher resolves a transport by name and hands mail requests to it.
type Dispatcher struct {
	transports  map[string]Transport
	defaultName string
	logger      *slog.Logger
}

// NewDispatcher creates an empty Dispatcher. A nil logger discards output.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		transports: make(map[string]Transport),
		logger:     logger,
	}
}

// Register adds t under its own name and any aliases. The first registered
// transport becomes the default.
func (d *Dispatcher) Register(t Transport, aliases ...string) {
	for _, name := range append([]string{t.Name()}, aliases...) {
		d.transports[name] = t
	}
	if d.defaultName == "" {
		d.defaultName = t.Name()
	}
}

// SetDefault selects the transport used by Send.
func (d *Dispatcher) SetDefault(name string) error {
	if _, ok := d.transports[name]; !ok {
		return fmt.Errorf("unknown transport %q (registered: %v)", name, d.Names())
	}
	d.defaultName = name
	return nil
}

// Names returns the registered names, aliases included, sorted.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.transports))
	for name := range d.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers data through the default transport.
func (d *Dispatcher) Send(ctx context.Context, data *Data) bool {
	if d.defaultName == "" {
		d.logger.Error("no default transport configured")
		return false
	}
	return d.SendBy(ctx, d.defaultName, data)
}

// SendBy delivers data through the named transport. Unknown or unavailable
// transports fail before the mail is created. Every failure is logged; the
// caller only learns whether the mail was accepted.
func (d *Dispatcher) SendBy(ctx context.Context, name string, data *Data) bool {
	t, ok := d.transports[name]
	if !ok {
		d.logger.Error("unknown transport",
			"transport", name,
			"registered", d.Names(),
		)
		return false
	}

	if !t.IsAvailable(ctx) {
		d.logger.Error("transport unavailable", "transport", name)
		return false
	}

	mail, err := CreateMail(data)
	if err != nil {
		d.logger.Error("failed to create mail", "transport", name, "error", err)
		return false
	}

	if err := t.Send(ctx, mail); err != nil {
		d.logger.Error("failed to send mail",
			"transport", name,
			"subject", mail.Subject,
			"error", err,
		)
		return false
	}

	d.logger.Info("mail sent",
		"transport", name,
		"subject", mail.Subject,
		"receivers", len(mail.Receivers),
	)
	return true
}
