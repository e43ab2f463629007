package main

import (
	"context"
	"log/slog"

	"github.com/sentrynode/sentryd/internal/config"
	"github.com/sentrynode/sentryd/internal/event"
	"github.com/sentrynode/sentryd/internal/gpio"
)

// buildDriver constructs the GPIO driver for this process: a Mock when
// -mock-hardware is set (development, and any environment without sysfs
// GPIO), or a Linux sysfs-backed driver for deployment.
func buildDriver(cfg config.Config, mock bool) (gpio.Driver, error) {
	if mock {
		return gpio.NewMock(), nil
	}
	lines := map[gpio.Line]gpio.LineConfig{
		gpio.Siren:       {GPIO: cfg.GPIO.Siren.GPIO, IsOutput: true, ActiveLow: cfg.GPIO.Siren.ActiveLow},
		gpio.Floodlight:  {GPIO: cfg.GPIO.Floodlight.GPIO, IsOutput: true, ActiveLow: cfg.GPIO.Floodlight.ActiveLow},
		gpio.DoorContact: {GPIO: cfg.GPIO.DoorContact.GPIO, IsOutput: false, ActiveLow: cfg.GPIO.DoorContact.ActiveLow},
		gpio.PanicInput:  {GPIO: cfg.GPIO.PanicInput.GPIO, IsOutput: false, ActiveLow: cfg.GPIO.PanicInput.ActiveLow},
	}
	return gpio.NewLinux(lines)
}

// emitter is the subset of bus.Bus watchHardwareInputs needs.
type emitter interface {
	Emit(event.Event)
}

// watchHardwareInputs translates door-contact and panic-input GPIO level
// changes into bus events. The siren and floodlight are outputs only and
// are never watched here.
func watchHardwareInputs(ctx context.Context, driver gpio.Driver, b emitter, log *slog.Logger) {
	doorCh, err := driver.Watch(ctx, gpio.DoorContact)
	if err != nil {
		log.Error("failed to watch door contact", "error", err)
		return
	}
	panicCh, err := driver.Watch(ctx, gpio.PanicInput)
	if err != nil {
		log.Error("failed to watch panic input", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case open, ok := <-doorCh:
			if !ok {
				return
			}
			if open {
				b.Emit(event.DoorOpen{})
			} else {
				b.Emit(event.DoorClose{})
			}
		case pressed, ok := <-panicCh:
			if !ok {
				return
			}
			if pressed {
				// A duress button forces outputs on immediately, regardless
				// of current alarm state, rather than going through the
				// arm/entry-delay path.
				b.Emit(event.SirenControl{On: true})
				b.Emit(event.FloodlightControl{On: true})
			}
		}
	}
}
