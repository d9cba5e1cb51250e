// Package maxcul is the driver facade tying the radio link, the device
// registry and the dispatch bus together into one MAX! gateway.
//
// Inbound, the Connection receives every decoded frame from the link on a
// single dispatch goroutine, answers pairing and time requests, merges
// device reports into the registry, records them in the state history and
// publishes them on the bus. Reports from addresses that never paired are
// dropped.
//
// Outbound, it exposes the command surface: setpoint commands to single
// thermostats (acknowledged, with retries handled by the link), setpoint
// broadcasts to room groups, and wakeup nudges. Command validation lives
// in the codec; anything that encodes goes on the air.
//
// # Pairing
//
// Factory-new devices broadcast pair pings until a controller answers.
// EnablePairing opens a bounded window during which unknown devices are
// admitted: the gateway answers as a cube, stores the announced identity
// and publishes a pairing event. Known devices are re-answered at any
// time, since a battery swap makes them ping their existing gateway.
//
// # Usage
//
//	conn, err := maxcul.New(maxcul.Options{
//	    Link:     link,
//	    Registry: registry,
//	    Bus:      bus.New(0),
//	    Address:  gatewayAddr,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := conn.Start(ctx); err != nil {
//	    return err
//	}
//	defer conn.Stop()
//
//	conn.EnablePairing(time.Minute)
//	err = conn.SetTemperature(ctx, deviceAddr, 21.5, moritz.ModeManual)
package maxcul
