// Package mqtt connects the plug service to an MQTT broker.
//
// It wraps paho.mqtt.golang with auto-reconnect, subscription restore
// after reconnect, a retained last-will on graylogic/health/plug and
// panic-safe message handlers.
//
// Topic layout:
//
//	graylogic/state/plug/{address}     retained plug state
//	graylogic/command/plug/{address}   on/off/toggle commands
//	graylogic/ack/plug/{address}       command acknowledgements
//	graylogic/request/plug/{action}    discover, clear_overrides
//	graylogic/response/plug/{action}   request replies
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
